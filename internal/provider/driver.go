// Package provider spawns agent CLI subprocesses (claude, codex), parses
// their line-delimited JSON output and reports the turn outcome.
package provider

import (
	"context"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// Status is the outcome of one provider turn.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request describes one turn to run.
type Request struct {
	AgentName          string
	Workspace          string
	SystemInstructions string
	Model              string // empty for provider default
	ReasoningEffort    string // empty for provider default
	SessionHandle      string // empty to open a fresh session
	MemoryDir          string // added to the provider's access allowlist
	Input              string // formatted turn input
}

// Result is the outcome of one turn. ContextLength is the prompt+output token
// size of the turn's last model call.
type Result struct {
	Status           Status
	FinalResponse    string
	ContextLength    *int64
	NewSessionHandle string
	TotalTokens      int64 // billing-level total, logged only
}

// Driver runs turns for one provider CLI.
type Driver interface {
	Name() string
	Run(ctx context.Context, req Request) (*Result, error)
}

// Config carries the provider binary paths.
type Config struct {
	ClaudeBin string
	CodexBin  string
}

// Registry hands out the driver for an agent's provider.
type Registry struct {
	claude Driver
	codex  Driver
}

func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		claude: newClaudeDriver(cfg.ClaudeBin, log),
		codex:  newCodexDriver(cfg.CodexBin, log),
	}
}

// ForProvider returns the driver for the given provider name.
func (r *Registry) ForProvider(name string) (Driver, error) {
	switch name {
	case store.ProviderClaude:
		return r.claude, nil
	case store.ProviderCodex:
		return r.codex, nil
	}
	return nil, hberr.New(hberr.KindValidation, "unknown provider %q", name)
}
