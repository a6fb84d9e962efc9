package provider

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/pkg/codex"
)

// codexHomeEnv is cleared from the child environment so every agent uses the
// shared default provider home.
const codexHomeEnv = "CODEX_HOME"

type codexDriver struct {
	bin    string
	logger *logger.Logger
}

func newCodexDriver(bin string, log *logger.Logger) *codexDriver {
	if bin == "" {
		bin = "codex"
	}
	return &codexDriver{
		bin:    bin,
		logger: log.WithFields(zap.String("component", "codex-driver")),
	}
}

func (d *codexDriver) Name() string { return "codex" }

func (d *codexDriver) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{"exec", "--json", "--dangerously-bypass-approvals-and-sandbox", "--skip-git-repo-check"}
	if req.Workspace != "" {
		args = append(args, "--cd", req.Workspace)
	}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.ReasoningEffort != "" {
		args = append(args, "-c", `model_reasoning_effort="`+req.ReasoningEffort+`"`)
	}
	if req.MemoryDir != "" {
		args = append(args, "-c", `sandbox_workspace_write.writable_roots=["`+req.MemoryDir+`"]`)
	}
	if req.SessionHandle != "" {
		args = append(args, "resume", req.SessionHandle)
	}
	// The CLI has no per-turn system prompt flag, so instructions lead the
	// prompt itself rather than being written into the provider home.
	input := req.Input
	if req.SystemInstructions != "" {
		input = req.SystemInstructions + "\n\n" + input
	}
	args = append(args, input)

	log := d.logger.WithAgent(req.AgentName)
	result, err := runProcess(ctx, spec{
		bin:      d.bin,
		args:     args,
		dir:      req.Workspace,
		stripEnv: []string{codexHomeEnv},
	}, func(stdout io.Reader) (*Result, error) {
		return parseCodexStream(stdout, log)
	}, log)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusCompleted {
		log.Info("codex turn completed",
			zap.Int64("total_tokens", result.TotalTokens),
			zap.String("session", result.NewSessionHandle))
	}
	return result, nil
}

// parseCodexStream reads exec-mode JSONL events. The turn's context length is
// input + output of the last token_count event; the final response comes from
// task_complete, falling back to the last agent_message.
func parseCodexStream(stdout io.Reader, log *logger.Logger) (*Result, error) {
	result := &Result{Status: StatusFailed}
	var lastUsage *codex.TokenUsage
	var lastAgentMessage, errMessage string
	completed := false

	err := codex.ReadStream(stdout, func(ev *codex.Event) {
		switch ev.Msg.Type {
		case codex.MsgSessionConfigured:
			if ev.Msg.SessionID != "" {
				result.NewSessionHandle = ev.Msg.SessionID
			}
		case codex.MsgAgentMessage:
			if ev.Msg.Message != "" {
				lastAgentMessage = ev.Msg.Message
			}
		case codex.MsgTokenCount:
			if ev.Msg.Info != nil {
				if ev.Msg.Info.LastTokenUsage != nil {
					lastUsage = ev.Msg.Info.LastTokenUsage
				}
				if ev.Msg.Info.TotalTokenUsage != nil {
					result.TotalTokens = ev.Msg.Info.TotalTokenUsage.TotalTokens
				}
			}
		case codex.MsgTaskComplete:
			completed = true
			if ev.Msg.LastAgentMessage != "" {
				lastAgentMessage = ev.Msg.LastAgentMessage
			}
		case codex.MsgError:
			errMessage = ev.Msg.Message
		}
	}, func(line []byte, err error) {
		// exec mode prints human banners before the event stream.
		log.Debug("skipping non-event codex output line")
	})
	if err != nil {
		return nil, err
	}

	if completed && errMessage == "" {
		result.Status = StatusCompleted
		result.FinalResponse = lastAgentMessage
	} else {
		result.Status = StatusFailed
		if errMessage != "" {
			result.FinalResponse = errMessage
		} else {
			result.FinalResponse = "stream ended without task completion"
		}
	}
	if length := lastUsage.ContextLength(); length > 0 {
		result.ContextLength = &length
	}
	return result, nil
}
