// Package store provides the SQLite-backed replication journal.
//
// The journal is an append-only audit trail of request state transitions:
// every time a replication request enters a new state, one row is written
// with the request ID, its (target, artifact) key, the state, the error
// detail for ERROR transitions, and a logical sequence number.
//
// The journal is write-only from the orchestrator's point of view. It is
// never read back to resume in-flight work: after a restart, tracking starts
// from scratch and the journal only serves operators inspecting history
// (policysync history).
//
// # Ordering
//
//   - All ordering uses seq INTEGER (logical clock), never timestamps
//   - Queries use ORDER BY seq ASC, id ASC for identical results across reads
//   - MaxSeq lets a restarted process continue the sequence
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
