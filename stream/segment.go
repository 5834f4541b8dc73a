package stream

// SegmentKind distinguishes what a segment carries.
type SegmentKind string

const (
	SegmentReasoning SegmentKind = "reasoning"
	SegmentAnswer    SegmentKind = "answer"
	SegmentTool      SegmentKind = "tool"
)

// SegmentStatus tracks whether a segment is still receiving content.
type SegmentStatus string

const (
	SegmentStreaming SegmentStatus = "streaming"
	SegmentComplete  SegmentStatus = "complete"
)

// contentForm discriminates the two forms of SegmentContent.
type contentForm int

const (
	contentLive contentForm = iota
	contentFinal
)

// SegmentContent is the text payload of a reasoning or answer segment:
// a live accumulator while the segment streams, and a sealed string once
// it completes. Exactly one form is active at a time. The zero value is
// an empty live buffer.
type SegmentContent struct {
	form contentForm
	text string
}

// LiveContent returns streaming-form content holding the given text.
func LiveContent(text string) SegmentContent {
	return SegmentContent{form: contentLive, text: text}
}

// FinalContent returns sealed content holding the given text.
func FinalContent(text string) SegmentContent {
	return SegmentContent{form: contentFinal, text: text}
}

// Live returns the buffered text and whether the content is still live.
func (c SegmentContent) Live() (string, bool) {
	return c.text, c.form == contentLive
}

// Final returns the sealed text and whether the content is sealed.
func (c SegmentContent) Final() (string, bool) {
	return c.text, c.form == contentFinal
}

// Text returns the content's text regardless of form.
func (c SegmentContent) Text() string {
	return c.text
}

// Append extends the buffer and returns the result in live form.
// Appending to sealed content reopens it, since a producer that keeps
// sending after a complete still expects its text to land somewhere.
func (c SegmentContent) Append(delta string) SegmentContent {
	return SegmentContent{form: contentLive, text: c.text + delta}
}

// Finalize seals the buffer.
func (c SegmentContent) Finalize() SegmentContent {
	return SegmentContent{form: contentFinal, text: c.text}
}

// ToolParam is one named tool-call argument. Params keep arrival order;
// a later value for the same name overwrites in place.
type ToolParam struct {
	Name  string
	Value string
}

// Segment is the smallest unit of agent output within an iteration: one
// reasoning block, one answer block, or one tool invocation. Identity is
// (Iteration, Kind) for reasoning and answer segments, plus ToolIndex
// for tools, so an iteration can hold several tool calls but only one
// block of each text kind.
type Segment struct {
	Iteration int
	Kind      SegmentKind
	ToolIndex int // meaningful only when Kind == SegmentTool
	Status    SegmentStatus

	// Content carries reasoning and answer text. Unused for tools.
	Content SegmentContent

	// Tool attributes, populated by field and param updates.
	ToolName string
	Reason   string
	Params   []ToolParam
}

// Param returns the value of the named tool parameter.
func (s *Segment) Param(name string) (string, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// matches reports whether the segment has the given identity.
func (s *Segment) matches(iteration int, kind SegmentKind, toolIndex int) bool {
	if s.Iteration != iteration || s.Kind != kind {
		return false
	}
	if kind == SegmentTool {
		return s.ToolIndex == toolIndex
	}
	return true
}

// clone returns a copy that can be mutated without touching snapshots
// already handed to observers.
func (s *Segment) clone() *Segment {
	c := *s
	if s.Params != nil {
		c.Params = make([]ToolParam, len(s.Params))
		copy(c.Params, s.Params)
	}
	return &c
}

// setParam upserts a named parameter, preserving arrival order.
func (s *Segment) setParam(name, value string) {
	for i := range s.Params {
		if s.Params[i].Name == name {
			s.Params[i].Value = value
			return
		}
	}
	s.Params = append(s.Params, ToolParam{Name: name, Value: value})
}
