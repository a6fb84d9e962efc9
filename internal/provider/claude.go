package provider

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/pkg/claudecode"
)

// claudeHomeEnv is cleared from the child environment so every agent uses the
// shared default provider home.
const claudeHomeEnv = "CLAUDE_CONFIG_DIR"

type claudeDriver struct {
	bin    string
	logger *logger.Logger
}

func newClaudeDriver(bin string, log *logger.Logger) *claudeDriver {
	if bin == "" {
		bin = "claude"
	}
	return &claudeDriver{
		bin:    bin,
		logger: log.WithFields(zap.String("component", "claude-driver")),
	}
}

func (d *claudeDriver) Name() string { return "claude" }

func (d *claudeDriver) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{
		"-p", req.Input,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SystemInstructions != "" {
		args = append(args, "--append-system-prompt", req.SystemInstructions)
	}
	if req.MemoryDir != "" {
		args = append(args, "--add-dir", req.MemoryDir)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionHandle != "" {
		args = append(args, "--resume", req.SessionHandle)
	}

	log := d.logger.WithAgent(req.AgentName)
	result, err := runProcess(ctx, spec{
		bin:      d.bin,
		args:     args,
		dir:      req.Workspace,
		stripEnv: []string{claudeHomeEnv},
	}, func(stdout io.Reader) (*Result, error) {
		return parseClaudeStream(stdout, log)
	}, log)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusCompleted {
		log.Info("claude turn completed",
			zap.Int64("total_tokens", result.TotalTokens),
			zap.String("session", result.NewSessionHandle))
	}
	return result, nil
}

// parseClaudeStream reads the stream-json protocol: per-call assistant
// messages carrying usage, then a final result message. The turn's context
// length is the last model call's input + cache writes + cache reads + output.
func parseClaudeStream(stdout io.Reader, log *logger.Logger) (*Result, error) {
	result := &Result{Status: StatusFailed}
	var lastUsage *claudecode.Usage
	sawResult := false

	err := claudecode.ReadStream(stdout, func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.SessionID != "" {
				result.NewSessionHandle = msg.SessionID
			}
		case claudecode.MessageTypeAssistant:
			if msg.Message != nil && msg.Message.Usage != nil {
				lastUsage = msg.Message.Usage
			}
		case claudecode.MessageTypeResult:
			sawResult = true
			if msg.SessionID != "" {
				result.NewSessionHandle = msg.SessionID
			}
			if msg.Usage != nil {
				result.TotalTokens = msg.Usage.InputTokens + msg.Usage.OutputTokens
			}
			if msg.IsError {
				result.Status = StatusFailed
				result.FinalResponse = msg.ResultString()
				return
			}
			result.Status = StatusCompleted
			result.FinalResponse = msg.ResultString()
		}
	}, func(line []byte, err error) {
		log.Warn("skipping unparseable claude output line", zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	if !sawResult {
		result.Status = StatusFailed
		if result.FinalResponse == "" {
			result.FinalResponse = "stream ended without a result message"
		}
	}
	if length := lastUsage.ContextLength(); length > 0 {
		result.ContextLength = &length
	}
	return result, nil
}
