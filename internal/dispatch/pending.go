package dispatch

import (
	"sort"
	"sync"

	"dronedispatch/internal/domain"
)

// pendingQueue holds requests waiting for a drone, keyed by order id.
type pendingQueue struct {
	mu    sync.Mutex
	items map[string]domain.DeliveryRequest
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{items: make(map[string]domain.DeliveryRequest)}
}

func (q *pendingQueue) add(req domain.DeliveryRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[req.OrderID]; ok {
		return false
	}
	q.items[req.OrderID] = req
	return true
}

func (q *pendingQueue) get(orderID string) (domain.DeliveryRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.items[orderID]
	return req, ok
}

func (q *pendingQueue) remove(orderID string) (domain.DeliveryRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.items[orderID]
	if ok {
		delete(q.items, orderID)
	}
	return req, ok
}

// update applies fn to the queued request, if it is still queued.
func (q *pendingQueue) update(orderID string, fn func(req *domain.DeliveryRequest)) (domain.DeliveryRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.items[orderID]
	if !ok {
		return domain.DeliveryRequest{}, false
	}
	fn(&req)
	q.items[orderID] = req
	return req, true
}

func (q *pendingQueue) reset(reqs []domain.DeliveryRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]domain.DeliveryRequest, len(reqs))
	for _, r := range reqs {
		q.items[r.OrderID] = r
	}
}

func (q *pendingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot returns the queue oldest ReadyAt first.
func (q *pendingQueue) snapshot() []domain.DeliveryRequest {
	q.mu.Lock()
	out := make([]domain.DeliveryRequest, 0, len(q.items))
	for _, r := range q.items {
		out = append(out, r)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadyAt.Equal(out[j].ReadyAt) {
			return out[i].ReadyAt.Before(out[j].ReadyAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
