package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/common/logger"
)

func TestParseClaudeStreamSuccess(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":100,"output_tokens":20,"cache_creation_input_tokens":10,"cache_read_input_tokens":5}}}`,
		`{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":200,"output_tokens":40,"cache_read_input_tokens":50}}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"all done","session_id":"sess-1","usage":{"input_tokens":300,"output_tokens":60}}`,
	}, "\n")

	result, err := parseClaudeStream(strings.NewReader(stream), logger.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "all done", result.FinalResponse)
	assert.Equal(t, "sess-1", result.NewSessionHandle)
	// Last call: 200 input + 50 cache-read + 0 cache-write + 40 output.
	require.NotNil(t, result.ContextLength)
	assert.Equal(t, int64(290), *result.ContextLength)
	assert.Equal(t, int64(360), result.TotalTokens)
}

func TestParseClaudeStreamError(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"tool blew up"}`,
	}, "\n")

	result, err := parseClaudeStream(strings.NewReader(stream), logger.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "tool blew up", result.FinalResponse)
}

func TestParseClaudeStreamTruncated(t *testing.T) {
	stream := `{"type":"system","subtype":"init","session_id":"sess-1"}`
	result, err := parseClaudeStream(strings.NewReader(stream), logger.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestParseCodexStreamSuccess(t *testing.T) {
	stream := strings.Join([]string{
		`not json banner line`,
		`{"id":"0","msg":{"type":"session_configured","session_id":"thread-9"}}`,
		`{"id":"1","msg":{"type":"task_started"}}`,
		`{"id":"1","msg":{"type":"token_count","info":{"total_token_usage":{"input_tokens":900,"output_tokens":100,"total_tokens":1000},"last_token_usage":{"input_tokens":400,"output_tokens":50}}}}`,
		`{"id":"1","msg":{"type":"agent_message","message":"working on it"}}`,
		`{"id":"1","msg":{"type":"token_count","info":{"total_token_usage":{"input_tokens":1800,"output_tokens":200,"total_tokens":2000},"last_token_usage":{"input_tokens":600,"output_tokens":80}}}}`,
		`{"id":"1","msg":{"type":"task_complete","last_agent_message":"final answer"}}`,
	}, "\n")

	result, err := parseCodexStream(strings.NewReader(stream), logger.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "final answer", result.FinalResponse)
	assert.Equal(t, "thread-9", result.NewSessionHandle)
	// Last token-count event: 600 input + 80 output.
	require.NotNil(t, result.ContextLength)
	assert.Equal(t, int64(680), *result.ContextLength)
	assert.Equal(t, int64(2000), result.TotalTokens)
}

func TestParseCodexStreamError(t *testing.T) {
	stream := strings.Join([]string{
		`{"id":"0","msg":{"type":"session_configured","session_id":"thread-9"}}`,
		`{"id":"1","msg":{"type":"error","message":"model overloaded"}}`,
	}, "\n")

	result, err := parseCodexStream(strings.NewReader(stream), logger.Default())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "model overloaded", result.FinalResponse)
}

func TestRegistrySelection(t *testing.T) {
	reg := NewRegistry(Config{}, logger.Default())

	d, err := reg.ForProvider("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", d.Name())

	d, err = reg.ForProvider("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", d.Name())

	_, err = reg.ForProvider("gpt")
	assert.Error(t, err)
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", b.String())
}

func TestCleanEnvStrips(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/tmp/custom")
	t.Setenv("KEEP_ME", "1")
	env := cleanEnv([]string{"CLAUDE_CONFIG_DIR"})
	for _, entry := range env {
		assert.False(t, strings.HasPrefix(entry, "CLAUDE_CONFIG_DIR="))
	}
	assert.Contains(t, env, "KEEP_ME=1")
}
