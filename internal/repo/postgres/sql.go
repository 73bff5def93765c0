package postgres

const droneColumns = `
id, model, max_payload_kg, max_range_km, battery, lat, lng, base_lat, base_lng, state,
current_assignment_id, last_telemetry_at, leg_started_at, fault_reason, created_at, updated_at
`

const droneListSQL = `SELECT ` + droneColumns + ` FROM drones ORDER BY id`

const droneUpsertSQL = `
INSERT INTO drones (` + droneColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,
  $11,$12,$13,$14,$15,$16
)
ON CONFLICT (id) DO UPDATE SET
  model = EXCLUDED.model,
  max_payload_kg = EXCLUDED.max_payload_kg,
  max_range_km = EXCLUDED.max_range_km,
  battery = EXCLUDED.battery,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  base_lat = EXCLUDED.base_lat,
  base_lng = EXCLUDED.base_lng,
  state = EXCLUDED.state,
  current_assignment_id = EXCLUDED.current_assignment_id,
  last_telemetry_at = EXCLUDED.last_telemetry_at,
  leg_started_at = EXCLUDED.leg_started_at,
  fault_reason = EXCLUDED.fault_reason,
  updated_at = EXCLUDED.updated_at
`

const requestColumns = `
order_id, pickup_lat, pickup_lng, delivery_lat, delivery_lng, payload_kg,
window_start, window_end, ready_at, enqueued_at, attempts, delay_reason
`

const requestListSQL = `SELECT ` + requestColumns + ` FROM delivery_requests ORDER BY ready_at, order_id`

const requestUpsertSQL = `
INSERT INTO delivery_requests (` + requestColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,
  $7,$8,$9,$10,$11,$12
)
ON CONFLICT (order_id) DO UPDATE SET
  pickup_lat = EXCLUDED.pickup_lat,
  pickup_lng = EXCLUDED.pickup_lng,
  delivery_lat = EXCLUDED.delivery_lat,
  delivery_lng = EXCLUDED.delivery_lng,
  payload_kg = EXCLUDED.payload_kg,
  window_start = EXCLUDED.window_start,
  window_end = EXCLUDED.window_end,
  ready_at = EXCLUDED.ready_at,
  enqueued_at = EXCLUDED.enqueued_at,
  attempts = EXCLUDED.attempts,
  delay_reason = EXCLUDED.delay_reason
`

const requestDeleteSQL = `DELETE FROM delivery_requests WHERE order_id = $1`

const assignmentColumns = `
id, order_id, drone_id, request, origin_lat, origin_lng, estimated_distance_km, estimated_energy,
outcome, failure_reason, proof, created_at, closed_at
`

const assignmentSelectByIDSQL = `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`

const assignmentListActiveSQL = `
SELECT ` + assignmentColumns + `
FROM assignments
WHERE outcome IN ('pending', 'in_progress')
ORDER BY created_at
`

const assignmentUpsertSQL = `
INSERT INTO assignments (` + assignmentColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,
  $9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
  request = EXCLUDED.request,
  outcome = EXCLUDED.outcome,
  failure_reason = EXCLUDED.failure_reason,
  proof = EXCLUDED.proof,
  closed_at = EXCLUDED.closed_at
`

const transitionInsertSQL = `
INSERT INTO assignment_transitions (
  assignment_id, drone_id, from_state, to_state, event, occurred_at
) VALUES ($1,$2,$3,$4,$5,$6)
`

const transitionListSQL = `
SELECT assignment_id, drone_id, from_state, to_state, event, occurred_at
FROM assignment_transitions
WHERE assignment_id = ANY($1)
ORDER BY id
`

const pingInsertSQL = `
INSERT INTO location_pings (drone_id, lat, lng, battery, reported_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (drone_id, reported_at) DO NOTHING
`

const pingRecentSQL = `
SELECT drone_id, lat, lng, battery, reported_at
FROM (
  SELECT drone_id, lat, lng, battery, reported_at,
         row_number() OVER (PARTITION BY drone_id ORDER BY reported_at DESC) AS rn
  FROM location_pings
) recent
WHERE rn <= $1
ORDER BY reported_at
`

const pingPruneSQL = `DELETE FROM location_pings WHERE reported_at < $1`

const outboxInsertSQL = `
INSERT INTO outbox_events (
  id, event_type, aggregate_type, aggregate_id, payload, occurred_at
) VALUES ($1,$2,$3,$4,$5,$6)
`

const outboxFetchPendingSQL = `
SELECT id::text, event_type, aggregate_type, aggregate_id, payload, occurred_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY occurred_at
LIMIT $1
`

const outboxMarkPublishedSQL = `
UPDATE outbox_events
SET published_at = now()
WHERE id = ANY($1::uuid[])
`

const outboxRecordFailureSQL = `
UPDATE outbox_events
SET attempts = attempts + 1, last_error = $2
WHERE id = $1::uuid
`

const outboxPrunePublishedSQL = `
DELETE FROM outbox_events
WHERE published_at IS NOT NULL AND published_at < $1
`
