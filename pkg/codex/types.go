// Package codex provides types and a line-stream reader for the Codex CLI
// exec-mode JSONL event protocol.
package codex

import "encoding/json"

// Event msg types.
const (
	MsgSessionConfigured = "session_configured"
	MsgAgentMessage      = "agent_message"
	MsgAgentReasoning    = "agent_reasoning"
	MsgTaskStarted       = "task_started"
	MsgTaskComplete      = "task_complete"
	MsgTokenCount        = "token_count"
	MsgError             = "error"
	MsgTurnAborted       = "turn_aborted"
)

// Event is one stdout line: an id plus a typed msg payload.
type Event struct {
	ID  string   `json:"id,omitempty"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the typed payload. The type determines which fields are set.
type EventMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// agent_message / error
	Message string `json:"message,omitempty"`

	// agent_reasoning
	Text string `json:"text,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// token_count
	Info *TokenCountInfo `json:"info,omitempty"`
}

// TokenUsage is one usage measurement.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int64 `json:"total_tokens,omitempty"`
}

// ContextLength is the prompt+output size of the measured call.
func (u *TokenUsage) ContextLength() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// TokenCountInfo carries cumulative and last-call usage.
type TokenCountInfo struct {
	TotalTokenUsage *TokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage  *TokenUsage `json:"last_token_usage,omitempty"`
}

// Decode parses one stdout line.
func Decode(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
