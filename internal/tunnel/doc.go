// Package tunnel implements the gx-tunnel listener and per-connection sessions.
//
// Features:
//   - Accepts TCP connections and runs one Session per connection
//   - Reads a single handshake buffer carrying X-Username, X-Password and an optional target
//   - Admits sessions through the user directory, enforcing per-user concurrency limits
//   - Dials the target from X-Real-Host, Host or the configured default (port 22 by default)
//   - Relays bytes in both directions with idle detection and per-direction byte counts
//   - Records finished sessions in the usage ledger and keeps a ring of recent events
//   - Exposes listener statistics and Prometheus collectors
//
// Usage:
//  1. Create a Server with NewServer, passing the user directory and the usage ledger
//  2. Call Start to bind and begin accepting connections
//  3. Call Stop to close the listener and every live session; Wait reports accept failures
//  4. Use Stats, RecentEvents and Metrics for monitoring
//
// Relay I/O reuses buffers from a sync.Pool to reduce allocations.
package tunnel
