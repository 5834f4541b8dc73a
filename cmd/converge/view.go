package main

import (
	"encoding/json"

	"github.com/zhubert/converge-core/stream"
)

// sessionView is the JSON shape replay prints for each session. It flattens
// the engine's snapshot into stable, lowercase field names so captures can
// be diffed across runs.
type sessionView struct {
	ID           string          `json:"id"`
	Phase        stream.Phase    `json:"phase"`
	Version      uint64          `json:"version"`
	Answer       string          `json:"answer,omitempty"`
	Reasoning    string          `json:"reasoning,omitempty"`
	SendDisabled bool            `json:"send_disabled,omitempty"`
	Routing      *routingView    `json:"routing,omitempty"`
	Execution    *executionView  `json:"execution,omitempty"`
	LastError    *streamErrView  `json:"last_error,omitempty"`
	Segments     []segmentView   `json:"segments,omitempty"`
}

type routingView struct {
	SelectedRoute   string          `json:"selected_route,omitempty"`
	AvailableRoutes []string        `json:"available_routes,omitempty"`
	SelectedModel   string          `json:"selected_model,omitempty"`
	ToolsNeeded     []string        `json:"tools_needed,omitempty"`
	ExecutionType   string          `json:"execution_type,omitempty"`
	FastpathParams  json.RawMessage `json:"fastpath_params,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type executionView struct {
	Status string            `json:"status,omitempty"`
	Retry  *stream.RetryInfo `json:"retry,omitempty"`
	Raw    json.RawMessage   `json:"raw,omitempty"`
}

type streamErrView struct {
	Message    string `json:"message"`
	OccurredAt string `json:"occurred_at"`
	MessageID  string `json:"message_id,omitempty"`
}

type segmentView struct {
	Iteration int         `json:"iteration"`
	Kind      string      `json:"kind"`
	ToolIndex int         `json:"tool_index,omitempty"`
	Status    string      `json:"status"`
	Text      string      `json:"text,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Params    []paramView `json:"params,omitempty"`
}

type paramView struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newSessionView(st *stream.SessionState) sessionView {
	v := sessionView{
		ID:           st.ID,
		Phase:        st.Phase,
		Version:      st.Version,
		Answer:       st.AnswerBuffer,
		Reasoning:    st.ReasoningBuffer,
		SendDisabled: st.SendDisabled,
	}

	if st.Routing != nil {
		v.Routing = &routingView{
			SelectedRoute:   st.Routing.SelectedRoute,
			AvailableRoutes: st.Routing.AvailableRoutes,
			SelectedModel:   st.Routing.SelectedModel,
			ToolsNeeded:     st.Routing.ToolsNeeded,
			ExecutionType:   st.Routing.ExecutionType,
			FastpathParams:  st.Routing.FastpathParams,
			Error:           st.Routing.Error,
		}
	}
	if st.Execution != nil {
		v.Execution = &executionView{
			Status: st.Execution.Status,
			Retry:  st.Execution.Retry,
			Raw:    st.Execution.Raw,
		}
	}
	if st.LastError != nil {
		v.LastError = &streamErrView{
			Message:    st.LastError.Message,
			OccurredAt: st.LastError.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			MessageID:  st.LastError.MessageID,
		}
	}
	for _, seg := range st.Segments {
		sv := segmentView{
			Iteration: seg.Iteration,
			Kind:      string(seg.Kind),
			Status:    string(seg.Status),
			Text:      seg.Content.Text(),
			ToolName:  seg.ToolName,
			Reason:    seg.Reason,
		}
		if seg.Kind == stream.SegmentTool {
			sv.ToolIndex = seg.ToolIndex
			for _, p := range seg.Params {
				sv.Params = append(sv.Params, paramView{Name: p.Name, Value: p.Value})
			}
		}
		v.Segments = append(v.Segments, sv)
	}
	return v
}
