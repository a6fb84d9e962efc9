// Package policy classifies RPC tokens and enforces per-operation minimum
// permission levels.
package policy

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// defaultLevels maps each RPC method to its minimum permission level.
// Methods absent from this table require the boss token.
var defaultLevels = map[string]string{
	"envelope.send": store.LevelRestricted,
	"envelope.list": store.LevelRestricted,
	"envelope.get":  store.LevelRestricted,

	"cron.create":  store.LevelRestricted,
	"cron.list":    store.LevelRestricted,
	"cron.get":     store.LevelRestricted,
	"cron.enable":  store.LevelRestricted,
	"cron.disable": store.LevelRestricted,
	"cron.delete":  store.LevelRestricted,

	"reaction.set": store.LevelRestricted,

	"agent.register":           store.LevelBoss,
	"agent.set":                store.LevelPrivileged,
	"agent.list":               store.LevelRestricted,
	"agent.bind":               store.LevelPrivileged,
	"agent.unbind":             store.LevelPrivileged,
	"agent.status":             store.LevelRestricted,
	"agent.refresh":            store.LevelBoss,
	"agent.abort":              store.LevelBoss,
	"agent.delete":             store.LevelBoss,
	"agent.self":               store.LevelRestricted,
	"agent.session-policy.set": store.LevelPrivileged,

	"daemon.status": store.LevelBoss,
	"daemon.start":  store.LevelBoss,
	"daemon.stop":   store.LevelBoss,
	"daemon.ping":   store.LevelStandard,
	"daemon.time":   store.LevelStandard,
}

// Bootstrap methods carry no token. setup.check and setup.execute are only
// available before first-run setup completes; boss.verify is always open.
const (
	MethodSetupCheck   = "setup.check"
	MethodSetupExecute = "setup.execute"
	MethodBossVerify   = "boss.verify"
)

// Identity is the result of classifying a request token.
type Identity struct {
	Boss  bool
	Agent *store.Agent
}

// Name returns a loggable caller name.
func (id *Identity) Name() string {
	if id.Boss {
		return "boss"
	}
	if id.Agent != nil {
		return id.Agent.Name
	}
	return "unknown"
}

// Level returns the identity's permission level.
func (id *Identity) Level() string {
	if id.Boss {
		return store.LevelBoss
	}
	if id.Agent != nil {
		return id.Agent.PermissionLevel
	}
	return ""
}

// Engine authenticates tokens and authorizes operations against the level
// table, optionally overridden by the stored permission policy.
type Engine struct {
	store  *store.Store
	logger *logger.Logger
}

func NewEngine(st *store.Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: log.WithFields(zap.String("component", "policy")),
	}
}

// IsBootstrap reports whether method is one of the token-less methods.
func IsBootstrap(method string) bool {
	switch method {
	case MethodSetupCheck, MethodSetupExecute, MethodBossVerify:
		return true
	}
	return false
}

// BootstrapAllowed reports whether a bootstrap method may run right now.
func (e *Engine) BootstrapAllowed(ctx context.Context, method string) (bool, error) {
	switch method {
	case MethodBossVerify:
		return true, nil
	case MethodSetupCheck, MethodSetupExecute:
		done, err := e.store.SetupCompleted(ctx)
		if err != nil {
			return false, err
		}
		return !done, nil
	}
	return false, nil
}

// Authenticate classifies a token: boss iff it matches the stored bcrypt hash,
// else the agent whose stored token equals it exactly.
func (e *Engine) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, hberr.New(hberr.KindAuth, "missing token")
	}
	hash, err := e.store.GetConfig(ctx, store.ConfigBossTokenHash)
	if err != nil {
		return nil, err
	}
	if hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
		return &Identity{Boss: true}, nil
	}
	agent, err := e.store.GetAgentByToken(ctx, token)
	if err != nil {
		if hberr.IsKind(err, hberr.KindNotFound) {
			return nil, hberr.New(hberr.KindAuth, "unknown token")
		}
		return nil, err
	}
	return &Identity{Agent: agent}, nil
}

// RequiredLevel returns the minimum level for method, applying any stored
// policy override. Unknown methods require boss.
func (e *Engine) RequiredLevel(ctx context.Context, method string) (string, error) {
	overrides, err := e.loadOverrides(ctx)
	if err != nil {
		return "", err
	}
	if level, ok := overrides[method]; ok {
		return level, nil
	}
	if level, ok := defaultLevels[method]; ok {
		return level, nil
	}
	return store.LevelBoss, nil
}

// Authorize authenticates the token and checks it clears the method's minimum
// level.
func (e *Engine) Authorize(ctx context.Context, method, token string) (*Identity, error) {
	id, err := e.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	required, err := e.RequiredLevel(ctx, method)
	if err != nil {
		return nil, err
	}
	if store.LevelRank(id.Level()) < store.LevelRank(required) {
		e.logger.Warn("permission denied",
			zap.String("method", method),
			zap.String("caller", id.Name()),
			zap.String("required", required))
		return nil, hberr.New(hberr.KindPermissionDenied, "operation %s requires %s", method, required).
			WithData("required", required).
			WithData("actual", id.Level())
	}
	return id, nil
}

// loadOverrides parses the stored permission policy, a JSON object mapping
// method names to levels. Invalid entries are dropped with a warning.
func (e *Engine) loadOverrides(ctx context.Context) (map[string]string, error) {
	raw, err := e.store.GetConfig(ctx, store.ConfigPermissionPolicy)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var overrides map[string]string
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		e.logger.Warn("ignoring malformed permission policy", zap.Error(err))
		return nil, nil
	}
	for method, level := range overrides {
		if !store.ValidLevel(level) {
			e.logger.Warn("ignoring permission override with unknown level",
				zap.String("method", method), zap.String("level", level))
			delete(overrides, method)
		}
	}
	return overrides, nil
}

// HashBossToken produces the at-rest hash stored under boss_token_hash.
func HashBossToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
