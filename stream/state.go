package stream

import (
	"encoding/json"
	"time"
)

// Phase is a session's generation phase. Idle means no generation is in
// flight.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseThinking   Phase = "thinking"
	PhaseResponding Phase = "responding"
)

// Active reports whether the phase represents an in-flight generation.
func (p Phase) Active() bool {
	return p == PhaseThinking || p == PhaseResponding
}

// RoutingDecision records the router's choice for the current
// generation. There is exactly one decision per generation; a later
// decision replaces the previous one wholesale.
type RoutingDecision struct {
	SelectedRoute   string
	AvailableRoutes []string
	SelectedModel   string
	ToolsNeeded     []string
	ExecutionType   string
	FastpathParams  json.RawMessage
	Error           string
}

// RetryInfo is the retry metadata attached to a task execution while the
// upstream model call is being retried.
type RetryInfo struct {
	Attempt      int     `json:"attempt"`
	MaxAttempts  int     `json:"max_attempts"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// TaskExecution is the latest agent execution snapshot for a session.
// Apart from the status and retry metadata, the snapshot is opaque JSON
// passed through to consumers.
type TaskExecution struct {
	Raw    json.RawMessage
	Status string
	Retry  *RetryInfo
}

// clone returns a copy safe to mutate. Raw and Retry are shared; both
// are replaced, never written through.
func (e *TaskExecution) clone() *TaskExecution {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// StreamError surfaces an upstream error event to observers until the
// next generation starts.
type StreamError struct {
	Message    string
	OccurredAt time.Time
	MessageID  string // persisted message the error relates to, may be empty
}

// SessionState is the complete view of one conversation. States handed
// to observers are immutable snapshots: every mutation produces a fresh
// value, so a snapshot never changes after delivery.
type SessionState struct {
	ID string

	Phase           Phase
	AnswerBuffer    string
	ReasoningBuffer string

	Routing   *RoutingDecision
	Execution *TaskExecution
	Segments  []*Segment
	LastError *StreamError

	// SendDisabled gates the caller's composer while a fork bridge
	// involving this session is pending.
	SendDisabled bool

	// Version increments on every observable mutation. It never
	// decreases and is never reused, so observers can discard stale
	// deliveries by comparing versions.
	Version uint64
}

// NewSessionState returns an idle state for the given session id.
func NewSessionState(id string) *SessionState {
	return &SessionState{ID: id, Phase: PhaseIdle}
}

// next returns a shallow copy with the version advanced. Callers replace
// any slice or pointer field they change; shared tails stay untouched.
func (s *SessionState) next() *SessionState {
	c := *s
	c.Version = s.Version + 1
	return &c
}

// Segment returns the segment with the given identity, or nil. Recent
// segments sit at the end of the list, so the scan runs backwards.
func (s *SessionState) Segment(iteration int, kind SegmentKind, toolIndex int) *Segment {
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if s.Segments[i].matches(iteration, kind, toolIndex) {
			return s.Segments[i]
		}
	}
	return nil
}

// Iterations returns the distinct iteration numbers present in the
// segment list, in first-appearance order.
func (s *SessionState) Iterations() []int {
	seen := make(map[int]bool)
	var out []int
	for _, seg := range s.Segments {
		if !seen[seg.Iteration] {
			seen[seg.Iteration] = true
			out = append(out, seg.Iteration)
		}
	}
	return out
}

// WithSendDisabled returns a snapshot with the send flag set. It returns
// the receiver unchanged when the flag already matches.
func (s *SessionState) WithSendDisabled(disabled bool) *SessionState {
	if s.SendDisabled == disabled {
		return s
	}
	next := s.next()
	next.SendDisabled = disabled
	return next
}

// ReconcileBuffers clears live buffers that persisted history has fully
// absorbed: a buffer is cleared when the authoritative content is at
// least as long as the buffer, and left alone when the buffer is still
// ahead of storage. Each buffer is judged independently. When neither
// buffer changes the receiver is returned unchanged, which makes
// repeated reconciliation against the same history a no-op.
func (s *SessionState) ReconcileBuffers(authoritativeAnswer, authoritativeReasoning string) *SessionState {
	clearAnswer := s.AnswerBuffer != "" && len(authoritativeAnswer) >= len(s.AnswerBuffer)
	clearReasoning := s.ReasoningBuffer != "" && len(authoritativeReasoning) >= len(s.ReasoningBuffer)
	if !clearAnswer && !clearReasoning {
		return s
	}

	next := s.next()
	if clearAnswer {
		next.AnswerBuffer = ""
	}
	if clearReasoning {
		next.ReasoningBuffer = ""
	}
	return next
}
