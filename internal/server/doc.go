// Package server implements the fleetwatch HTTP API surface and its
// persistent stores.
//
// Owns:
//   - HTTP routing, handlers, and request/response contracts of the console API
//   - SQLite and Badger implementations of fleet.Store and AccountStore
//   - Schema migrations for SQLite
//
// Does not own:
//   - Liveness and activity rules (package fleet)
//   - Reachability probing (package probe)
//   - Agent-side collection
//
// Invariants:
//   - JSON responses go through writeJSON; errors go through
//     writeError as shared.ErrorResponse, except
//     add_pc, which answers {"status": "fail", "reason": "..."}
//   - Storage failures surface as 500 "storage error" and are logged, never echoed
//   - The machine id exposed to the console is its address
package server
