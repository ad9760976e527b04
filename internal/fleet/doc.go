// Package fleet owns the machine directory: one MachineRecord per network
// address, updated by agent reports and read by the operator console.
//
// Liveness is inferred, never signalled. A record's Activity is a pure
// function of LastSeen, ActiveUser and the current time (see Refresh), and
// every read path recomputes it before returning. The stored Activity is
// only a cache written back so that repeated reads stay cheap; nothing in
// this package trusts it without checking LastSeen first.
//
// Concurrency: every read-modify-write on one address (report upsert,
// liveness write-back, provisioning insert) runs under that address's
// mutex, and stores replace whole records atomically, so readers never see
// a half-applied report.
package fleet
