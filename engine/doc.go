// Package engine owns the authoritative session table and the fan-out
// of state snapshots to subscribers.
//
// # Overview
//
// One Engine holds every open conversation. Instructions decoded from
// the shared feed enter through Apply; each is folded into its
// session's state by the stream reducer, the new snapshot is stored,
// and subscribers are notified synchronously:
//
//	eng := engine.New()
//	unsub := eng.Subscribe("c1", func(s *stream.SessionState) {
//	    render(s)
//	})
//	defer unsub()
//	eng.Apply(in)
//
// # Concurrency
//
// A single apply mutex serializes every mutating operation end-to-end,
// including its notification fan-out, so per-session notification
// order always matches version order. Snapshots handed to subscribers
// are immutable. Listeners may call Get, Subscribe, SubscribeState, or
// an unsubscribe func from inside a callback; they must not call
// mutating API (Apply, Reset, Reconcile, RegisterFork, the local
// stream helpers) from inside a callback.
//
// # Fork bridging
//
// RegisterFork links a child session forked from a parent and disables
// sending on both. The parent is re-enabled as soon as the child's
// stream visibly progresses; a terminal instruction on the child
// releases the bridge and re-enables both ends.
package engine
