// Package metrics exposes Prometheus collectors for rooms and sessions.
//
// Metrics owns its registry so tests can build as many as they like. Every
// recording method is safe to call on a nil *Metrics, which is how metrics
// are disabled.
//
// Collected series (all prefixed coven_rooms_):
//
//   - sessions_active: connected WebSocket sessions
//   - messages_posted_total: messages persisted and broadcast
//   - events_sent_total{type}: outbound events enqueued to sessions
//   - errors_total{kind}: error events sent, by error kind
//   - members_kicked_total: sessions closed because their send buffer was full
//   - replayed_messages_total: history and backlog messages replayed on attach
//
// Gauges and counters owned by other packages (room counts, presence,
// backplane traffic) are attached with GaugeFunc and CounterFunc.
package metrics
