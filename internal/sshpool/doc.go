// Package sshpool keeps a bounded set of reusable SSH sessions, one per
// endpoint name.
//
// # Architecture
//
// [Pool] stores sessions in a recency-ordered list keyed by endpoint name.
// Two kinds of locks coordinate access:
//   - a per-endpoint lock, held for the whole of [Pool.Acquire] (including the
//     network dial) so that racing callers for one endpoint create at most one
//     session;
//   - a structural mutex guarding the list and the lock map, held only for
//     O(1) bookkeeping and never across network I/O.
//
// Locks are always taken in that order (endpoint, then structural). Dials to
// different endpoints therefore run in parallel and never wait on each other.
//
// # Lifecycle
//
//  1. Acquire: a fresh entry (used within the idle timeout and still open) is
//     reused and promoted to most-recently-used without any I/O. Otherwise a
//     new session is dialed and inserted; if the pool is full, the
//     least-recently-used entry is evicted and closed in the background.
//
//  2. Maintenance: a background sweep runs every IdleTimeout/2 while the pool
//     is non-empty, closing entries that are idle-expired or whose transport
//     reports closed. It exits once the pool is empty and is restarted by the
//     next insertion.
//
//  3. Removal: [Pool.Remove] force-closes one entry; [Pool.CloseAll] removes
//     everything and stops the sweep. Both are safe to repeat.
//
// [Pool.AcquireWithRetry] wraps Acquire with exactly one purge-and-retry,
// covering sessions that died between pooling and use.
//
// # Observability
//
// Every lifecycle step is recorded as a [PoolEvent] in a per-endpoint ring
// buffer (last 100) and delivered to listeners registered with
// [Pool.OnEvent]. Optional Prometheus [Metrics] track pool size, event counts
// and dial latency.
//
// All log output uses the [sshpool] prefix.
package sshpool
