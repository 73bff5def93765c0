package fleet

import "dronedispatch/internal/domain"

// history is a fixed-size ring of the most recent pings, oldest first.
type history struct {
	buf   []domain.LocationPing
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]domain.LocationPing, capacity)}
}

func (h *history) push(p domain.LocationPing) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = p
		h.size++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) items() []domain.LocationPing {
	out := make([]domain.LocationPing, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}
