package stream

import (
	"encoding/json"
	"log/slog"
)

// resolvedExecutionStatuses are the execution statuses that mean a
// pending retry has been resolved one way or the other. When a fresh
// snapshot without retry metadata arrives in one of these statuses, the
// old retry metadata must not be carried forward. New terminal statuses
// added upstream belong here and nowhere else.
var resolvedExecutionStatuses = map[string]bool{
	"running":   true,
	"completed": true,
	"failed":    true,
	"aborted":   true,
}

// executionSnapshot is the engine-relevant slice of a domain_execution
// payload. Everything else in the payload is opaque and rides along in
// TaskExecution.Raw.
type executionSnapshot struct {
	Status string     `json:"status"`
	Retry  *RetryInfo `json:"retry_info,omitempty"`
}

// Reducer turns (state, instruction) pairs into next states. Apply is
// pure with respect to its inputs: it never mutates the given state,
// and logging is its only side effect. Genuine no-ops return the input
// state pointer unchanged so callers can skip notification by
// comparing references.
type Reducer struct {
	retention RetentionPolicy
	log       *slog.Logger
}

// NewReducer returns a reducer using the given retention policy.
func NewReducer(retention RetentionPolicy, log *slog.Logger) *Reducer {
	return &Reducer{retention: retention, log: log}
}

// Apply produces the next session state for one instruction.
func (r *Reducer) Apply(state *SessionState, in *Instruction) *SessionState {
	switch in.Op {
	case OpPhaseChange:
		return r.applyPhaseChange(state, in)
	case OpReasoningDelta:
		return r.applyDelta(state, in, false)
	case OpAnswerDelta:
		return r.applyDelta(state, in, true)
	case OpComplete:
		return r.applyComplete(state)
	case OpRoutingDecision:
		return r.applyRouting(state, in)
	case OpExecutionSnapshot:
		return r.applyExecutionSnapshot(state, in)
	case OpRetryNotice:
		return r.applyRetryNotice(state, in)
	case OpSegmentUpdate:
		return r.applySegmentUpdate(state, in)
	case OpError:
		return r.applyError(state, in)
	default:
		r.log.Warn("reducer received unknown op", "op", in.Op, "sessionID", in.SessionID)
		return state
	}
}

// applyPhaseChange moves the session between generation phases. The
// idle-to-active edge is the fresh-stream boundary: partial content
// from a prior generation must never bleed into the new one, so both
// buffers, the stale routing decision, and any surfaced error are
// cleared exactly here.
func (r *Reducer) applyPhaseChange(state *SessionState, in *Instruction) *SessionState {
	next := state.next()
	next.Phase = in.Phase

	if state.Phase == PhaseIdle && in.Phase.Active() {
		next.AnswerBuffer = ""
		next.ReasoningBuffer = ""
		next.Routing = nil
		next.LastError = nil
	}
	return next
}

// applyDelta appends a text fragment to the answer or reasoning
// buffer. The wire protocol guarantees ordered, non-overlapping deltas,
// so appending is all there is to it. Arriving content also retires any
// surfaced error.
func (r *Reducer) applyDelta(state *SessionState, in *Instruction, answer bool) *SessionState {
	next := state.next()
	if answer {
		next.AnswerBuffer += in.Delta
	} else {
		next.ReasoningBuffer += in.Delta
	}
	next.LastError = nil
	return next
}

// applyComplete ends the active generation. Buffers stay readable: the
// caller merges them into its persisted message, and reconciliation or
// the next stream start clears them.
func (r *Reducer) applyComplete(state *SessionState) *SessionState {
	next := state.next()
	next.Phase = PhaseIdle
	return next
}

// applyRouting replaces the routing decision wholesale. There is one
// decision per generation, so last write wins.
func (r *Reducer) applyRouting(state *SessionState, in *Instruction) *SessionState {
	next := state.next()
	next.Routing = in.Routing
	return next
}

// applyExecutionSnapshot replaces the task execution wholesale, except
// that retry metadata from the previous snapshot survives until a
// snapshot arrives whose status resolves the retry. An unparseable
// payload leaves the state untouched.
func (r *Reducer) applyExecutionSnapshot(state *SessionState, in *Instruction) *SessionState {
	var snap executionSnapshot
	if err := json.Unmarshal(in.ExecutionJSON, &snap); err != nil {
		r.log.Warn("failed to parse execution snapshot, keeping previous",
			"error", err, "sessionID", in.SessionID)
		return state
	}

	exec := &TaskExecution{
		Raw:    in.ExecutionJSON,
		Status: snap.Status,
		Retry:  snap.Retry,
	}
	if exec.Retry == nil && state.Execution != nil && state.Execution.Retry != nil &&
		!resolvedExecutionStatuses[exec.Status] {
		exec.Retry = state.Execution.Retry
	}

	next := state.next()
	next.Execution = exec
	return next
}

// applyRetryNotice attaches retry metadata to the current execution. A
// notice with no execution to attach to signals an ordering bug
// upstream; the reducer degrades it to a no-op.
func (r *Reducer) applyRetryNotice(state *SessionState, in *Instruction) *SessionState {
	if in.Retry == nil {
		r.log.Warn("retry notice without payload, dropping", "sessionID", in.SessionID)
		return state
	}
	if state.Execution == nil {
		r.log.Warn("retry notice without task execution, dropping",
			"sessionID", in.SessionID, "attempt", in.Retry.Attempt)
		return state
	}

	next := state.next()
	next.Execution = state.Execution.clone()
	next.Execution.Retry = in.Retry
	return next
}

// applySegmentUpdate locates or creates the addressed segment and
// applies one progressive update to it. A sub-action that makes no
// sense for the segment's kind is dropped rather than failed. After
// any mutation the retention policy prunes completed history.
func (r *Reducer) applySegmentUpdate(state *SessionState, in *Instruction) *SessionState {
	upd := in.Segment
	if upd == nil {
		r.log.Warn("segment update without payload, dropping", "sessionID", in.SessionID)
		return state
	}

	// Validate kind/action pairing before touching anything so
	// mismatches stay pure no-ops.
	isTool := upd.Kind == SegmentTool
	switch upd.Action {
	case SegmentActionStart, SegmentActionComplete:
		// Valid for every kind.
	case SegmentActionAppend:
		if isTool {
			r.log.Warn("append on tool segment, dropping",
				"sessionID", in.SessionID, "iteration", upd.Iteration)
			return state
		}
	case SegmentActionField:
		if !isTool {
			r.log.Warn("field update on text segment, dropping",
				"sessionID", in.SessionID, "iteration", upd.Iteration, "kind", upd.Kind)
			return state
		}
		if upd.Field != "name" && upd.Field != "reason" {
			r.log.Warn("unknown tool segment field, dropping",
				"sessionID", in.SessionID, "field", upd.Field)
			return state
		}
	case SegmentActionParam, SegmentActionParamUpdate:
		if !isTool {
			r.log.Warn("param update on text segment, dropping",
				"sessionID", in.SessionID, "iteration", upd.Iteration, "kind", upd.Kind)
			return state
		}
	default:
		r.log.Warn("unknown segment action, dropping",
			"sessionID", in.SessionID, "action", upd.Action)
		return state
	}

	segments := make([]*Segment, len(state.Segments))
	copy(segments, state.Segments)

	// A segment identity exists at most once; updates for a segment the
	// feed never started create it on the spot.
	var seg *Segment
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i].matches(upd.Iteration, upd.Kind, upd.ToolIndex) {
			seg = segments[i].clone()
			segments[i] = seg
			break
		}
	}
	if seg == nil {
		seg = &Segment{
			Iteration: upd.Iteration,
			Kind:      upd.Kind,
			ToolIndex: upd.ToolIndex,
			Status:    SegmentStreaming,
		}
		segments = append(segments, seg)
	}

	switch upd.Action {
	case SegmentActionStart:
		// Idempotent: restarting an already-present segment reopens it.
		seg.Status = SegmentStreaming
		if !isTool {
			seg.Content = seg.Content.Append(upd.Text)
		}
	case SegmentActionAppend:
		seg.Status = SegmentStreaming
		seg.Content = seg.Content.Append(upd.Text)
	case SegmentActionComplete:
		seg.Status = SegmentComplete
		if !isTool {
			seg.Content = seg.Content.Finalize()
		}
	case SegmentActionField:
		switch upd.Field {
		case "name":
			seg.ToolName = upd.Value
		case "reason":
			seg.Reason = upd.Value
		}
	case SegmentActionParam, SegmentActionParamUpdate:
		seg.setParam(upd.Name, upd.Value)
	}

	pruned := r.retention.Evict(segments)
	if len(pruned) < len(segments) {
		r.log.Debug("evicted completed iterations",
			"sessionID", in.SessionID, "before", len(segments), "after", len(pruned))
	}

	next := state.next()
	next.Segments = pruned
	return next
}

// applyError surfaces an upstream failure and resets the session to
// idle. Partial content from the failed generation is discarded along
// with its routing decision.
func (r *Reducer) applyError(state *SessionState, in *Instruction) *SessionState {
	next := state.next()
	next.Phase = PhaseIdle
	next.AnswerBuffer = ""
	next.ReasoningBuffer = ""
	next.Routing = nil
	next.LastError = &StreamError{
		Message:    in.ErrorMessage,
		OccurredAt: in.OccurredAt,
		MessageID:  in.MessageID,
	}
	return next
}
