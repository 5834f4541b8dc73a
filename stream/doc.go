// Package stream holds the pure core of the event reconciliation
// engine: wire event decoding, per-session state, and the reducer that
// turns (state, instruction) pairs into next states.
//
// # Overview
//
// A single server-push feed multiplexes every open conversation onto
// one channel of newline-delimited JSON events. DecodeLine turns one
// line into a typed Instruction addressed to a session; Reducer.Apply
// folds that instruction into the session's SessionState. Both are
// total: malformed input is logged and dropped, never raised.
//
//	in := stream.DecodeLine(line, log)
//	if in != nil {
//	    next := reducer.Apply(current, in)
//	}
//
// # Snapshots
//
// SessionState values are immutable snapshots. Apply never mutates its
// input; it returns a fresh state with Version advanced by one. Genuine
// no-ops, like an unparseable execution snapshot or a retry notice with
// no execution to attach to, return the same pointer Apply was given, so
// callers can skip notification by comparing references.
//
// # Segments
//
// Long agent runs stream reasoning, answer, and tool-call segments per
// iteration. Segment content is a tagged union (SegmentContent): a live
// accumulator while streaming, a sealed string once complete.
// RetentionPolicy keeps per-session segment history bounded by evicting
// whole completed iterations, oldest first.
//
// Owning the authoritative session table, fan-out to observers, and
// cross-session coordination is the engine package's job; this package
// has no locks and no I/O.
package stream
