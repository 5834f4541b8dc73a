package stream

import (
	"encoding/json"
	"time"
)

// Op identifies what an instruction does to a session.
type Op string

const (
	OpPhaseChange       Op = "phase_change"
	OpReasoningDelta    Op = "reasoning_delta"
	OpAnswerDelta       Op = "answer_delta"
	OpComplete          Op = "complete"
	OpRoutingDecision   Op = "routing_decision"
	OpExecutionSnapshot Op = "execution_snapshot"
	OpRetryNotice       Op = "retry_notice"
	OpSegmentUpdate     Op = "segment_update"
	OpError             Op = "error"
)

// SegmentAction is the sub-action of a segment update. Param and
// ParamUpdate are wire synonyms: both upsert a named tool parameter
// with last-write-wins.
type SegmentAction string

const (
	SegmentActionStart       SegmentAction = "start"
	SegmentActionAppend      SegmentAction = "append"
	SegmentActionComplete    SegmentAction = "complete"
	SegmentActionField       SegmentAction = "field"
	SegmentActionParam       SegmentAction = "param"
	SegmentActionParamUpdate SegmentAction = "param_update"
)

// SegmentUpdate is one progressive update to a segment, addressed by
// (Iteration, Kind[, ToolIndex]).
type SegmentUpdate struct {
	Iteration int
	Kind      SegmentKind
	ToolIndex int
	Action    SegmentAction

	Text  string // appended text, for reasoning/answer appends
	Field string // tool field name, for field actions
	Name  string // tool parameter name, for param actions
	Value string // tool field or parameter value
}

// Instruction is one decoded wire event addressed to a session. Only
// the fields relevant to Op are populated. Instructions are immutable
// once decoded; the reducer reads them and never writes back.
type Instruction struct {
	SessionID string
	Op        Op

	Phase         Phase            // OpPhaseChange
	Delta         string           // OpReasoningDelta, OpAnswerDelta
	Routing       *RoutingDecision // OpRoutingDecision
	ExecutionJSON json.RawMessage  // OpExecutionSnapshot; parsed by the reducer
	Retry         *RetryInfo       // OpRetryNotice
	Segment       *SegmentUpdate   // OpSegmentUpdate

	// OpError fields.
	ErrorMessage string
	MessageID    string
	OccurredAt   time.Time
}
