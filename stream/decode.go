package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// wireEvent is the JSON shape of one feed event. The server multiplexes
// every session onto one channel, so almost all events carry a chat_id.
type wireEvent struct {
	ChatID string `json:"chat_id,omitempty"`
	Type   string `json:"type"`

	// chat_state
	State string `json:"state,omitempty"` // "thinking", "responding", "static"

	// thoughts / answer / error / domain_execution / model_retry / coder_stream
	Content string `json:"content,omitempty"`

	// error
	MessageID string `json:"message_id,omitempty"`

	// router_decision
	SelectedRoute   string          `json:"selected_route,omitempty"`
	AvailableRoutes []string        `json:"available_routes,omitempty"`
	SelectedModel   string          `json:"selected_model,omitempty"`
	ToolsNeeded     []string        `json:"tools_needed,omitempty"`
	ExecutionType   string          `json:"execution_type,omitempty"`
	FastpathParams  json.RawMessage `json:"fastpath_params,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// retryPayload is the JSON embedded in a model_retry event's content.
type retryPayload struct {
	Attempt      int     `json:"attempt"`
	MaxAttempts  int     `json:"max_attempts"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// coderStreamPayload is the JSON embedded in a coder_stream event's
// content: one progressive update to a segment of agent output.
type coderStreamPayload struct {
	Iteration int    `json:"iteration"`
	Segment   string `json:"segment"` // "thoughts", "agent_response", "tool_call"
	Action    string `json:"action"`  // "start", "append", "complete", "field", "param", "param_update"
	Text      string `json:"text,omitempty"`
	Field     string `json:"field,omitempty"`
	Value     string `json:"value,omitempty"`
	Name      string `json:"name,omitempty"`
	ToolIndex int    `json:"tool_index,omitempty"`
}

// segmentKindForWire maps wire segment names to segment kinds.
var segmentKindForWire = map[string]SegmentKind{
	"thoughts":       SegmentReasoning,
	"agent_response": SegmentAnswer,
	"tool_call":      SegmentTool,
}

// segmentActionForWire maps wire action names to segment actions.
// param and param_update share one code path downstream.
var segmentActionForWire = map[string]SegmentAction{
	"start":        SegmentActionStart,
	"append":       SegmentActionAppend,
	"complete":     SegmentActionComplete,
	"field":        SegmentActionField,
	"param":        SegmentActionParam,
	"param_update": SegmentActionParamUpdate,
}

// phaseForWire maps chat_state values to phases.
var phaseForWire = map[string]Phase{
	"thinking":   PhaseThinking,
	"responding": PhaseResponding,
	"static":     PhaseIdle,
}

// DecodeLine parses one feed line into an instruction. It returns nil
// for anything it cannot use: blank lines, non-JSON noise, malformed
// JSON, unknown event types, and events missing a required chat_id.
// Decoding never panics past this boundary; every rejection is logged
// and the engine moves on to the next line.
func DecodeLine(line string, log *slog.Logger) *Instruction {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// The capture channel may interleave non-JSON noise (proxy status
	// lines, keepalives); skip anything that is not an object.
	if !strings.HasPrefix(line, "{") {
		log.Debug("skipping non-JSON feed line", "line", truncateForLog(line))
		return nil
	}

	var ev wireEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		log.Warn("failed to parse feed event", "error", err, "line", truncateForLog(line))
		return nil
	}

	if ev.Type == "" {
		log.Warn("feed event missing type", "line", truncateForLog(line))
		return nil
	}

	switch ev.Type {
	case "chat_state":
		phase, ok := phaseForWire[ev.State]
		if !ok {
			log.Warn("unknown chat_state value", "state", ev.State)
			return nil
		}
		return withSession(&Instruction{Op: OpPhaseChange, Phase: phase}, &ev, log)

	case "thoughts":
		return withSession(&Instruction{Op: OpReasoningDelta, Delta: ev.Content}, &ev, log)

	case "answer":
		return withSession(&Instruction{Op: OpAnswerDelta, Delta: ev.Content}, &ev, log)

	case "complete":
		return withSession(&Instruction{Op: OpComplete}, &ev, log)

	case "error":
		return withSession(&Instruction{
			Op:           OpError,
			ErrorMessage: ev.Content,
			MessageID:    ev.MessageID,
			OccurredAt:   time.Now(),
		}, &ev, log)

	case "router_decision":
		return withSession(&Instruction{
			Op: OpRoutingDecision,
			Routing: &RoutingDecision{
				SelectedRoute:   ev.SelectedRoute,
				AvailableRoutes: ev.AvailableRoutes,
				SelectedModel:   ev.SelectedModel,
				ToolsNeeded:     ev.ToolsNeeded,
				ExecutionType:   ev.ExecutionType,
				FastpathParams:  ev.FastpathParams,
				Error:           ev.Error,
			},
		}, &ev, log)

	case "domain_execution", "domain_execution_update":
		// The snapshot content stays raw here: the reducer owns parsing
		// it so a bad payload degrades to a documented no-op instead of
		// a dropped instruction.
		return withSession(&Instruction{
			Op:            OpExecutionSnapshot,
			ExecutionJSON: json.RawMessage(ev.Content),
		}, &ev, log)

	case "model_retry":
		var p retryPayload
		if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
			log.Warn("failed to parse model_retry content", "error", err, "content", truncateForLog(ev.Content))
			return nil
		}
		return withSession(&Instruction{
			Op: OpRetryNotice,
			Retry: &RetryInfo{
				Attempt:      p.Attempt,
				MaxAttempts:  p.MaxAttempts,
				DelaySeconds: p.DelaySeconds,
			},
		}, &ev, log)

	case "coder_stream":
		var p coderStreamPayload
		if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
			log.Warn("failed to parse coder_stream content", "error", err, "content", truncateForLog(ev.Content))
			return nil
		}
		kind, ok := segmentKindForWire[p.Segment]
		if !ok {
			log.Warn("unknown coder_stream segment", "segment", p.Segment)
			return nil
		}
		action, ok := segmentActionForWire[p.Action]
		if !ok {
			log.Warn("unknown coder_stream action", "action", p.Action)
			return nil
		}
		return withSession(&Instruction{
			Op: OpSegmentUpdate,
			Segment: &SegmentUpdate{
				Iteration: p.Iteration,
				Kind:      kind,
				ToolIndex: p.ToolIndex,
				Action:    action,
				Text:      p.Text,
				Field:     p.Field,
				Name:      p.Name,
				Value:     p.Value,
			},
		}, &ev, log)

	default:
		// Unknown types are expected as the protocol grows.
		log.Debug("ignoring unrecognized feed event type", "type", ev.Type)
		return nil
	}
}

// withSession attaches the event's chat_id to the instruction, or
// rejects the event when the id is missing. Broadcast events without a
// chat_id never reach this path; every per-session type requires one.
func withSession(in *Instruction, ev *wireEvent, log *slog.Logger) *Instruction {
	if ev.ChatID == "" {
		log.Warn("dropping feed event without chat_id", "type", ev.Type)
		return nil
	}
	in.SessionID = ev.ChatID
	return in
}

// truncateForLog truncates long strings for log messages.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
