// Package executor drives provider turns. One worker per agent consumes that
// agent's due envelopes in batches, so runs for a single agent never overlap
// while distinct agents run concurrently.
package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/provider"
	"github.com/hiboss/hiboss/internal/store"
)

// DriverResolver hands out the driver for an agent's provider.
// *provider.Registry satisfies it; tests substitute fakes.
type DriverResolver interface {
	ForProvider(name string) (provider.Driver, error)
}

// Manager owns the per-agent workers. It implements the scheduler's wake
// target: Signal(name) nudges the named agent's worker, creating it lazily.
type Manager struct {
	store      *store.Store
	drivers    DriverResolver
	cfg        *config.Config
	clock      timeutil.Clock
	logger     *logger.Logger
	onTurnDone func()

	mu      sync.Mutex
	workers map[string]*worker
	stopped bool
	wg      sync.WaitGroup
}

func NewManager(st *store.Store, drivers DriverResolver, cfg *config.Config, clock timeutil.Clock, onTurnDone func(), log *logger.Logger) *Manager {
	return &Manager{
		store:      st,
		drivers:    drivers,
		cfg:        cfg,
		clock:      clock,
		logger:     log.WithFields(zap.String("component", "executor")),
		onTurnDone: onTurnDone,
		workers:    make(map[string]*worker),
	}
}

// Signal wakes the agent's worker to drain its due envelopes.
func (m *Manager) Signal(agentName string) {
	w := m.workerFor(agentName)
	if w == nil {
		return
	}
	select {
	case w.mailbox <- struct{}{}:
	default:
	}
}

// RequestRefresh queues a manual session refresh; it is applied at the start
// of the agent's next turn, never mid-run.
func (m *Manager) RequestRefresh(agentName string) {
	w := m.workerFor(agentName)
	if w == nil {
		return
	}
	w.refresh.Store(true)
	m.logger.Info("manual session refresh queued", zap.String("agent", agentName))
}

// IsRunning reports whether the agent has a provider turn in flight.
func (m *Manager) IsRunning(agentName string) bool {
	m.mu.Lock()
	w := m.workers[agentName]
	m.mu.Unlock()
	return w != nil && w.running.Load()
}

// Abort cancels the agent's in-flight run, if any, and optionally clears its
// due non-cron pending envelopes. Returns whether a run was cancelled and the
// ids of cleared envelopes.
func (m *Manager) Abort(ctx context.Context, agentName string, clearPending bool) (bool, []string, error) {
	m.mu.Lock()
	w := m.workers[agentName]
	m.mu.Unlock()

	aborted := false
	if w != nil {
		w.cancelMu.Lock()
		if w.cancel != nil {
			w.cancel()
			aborted = true
		}
		w.cancelMu.Unlock()
	}

	var cleared []string
	if clearPending {
		var err error
		cleared, err = m.store.ClearDuePendingForAgent(ctx, agentName)
		if err != nil {
			return aborted, nil, err
		}
	}
	if aborted || len(cleared) > 0 {
		m.logger.Info("abort requested",
			zap.String("agent", agentName),
			zap.Bool("run_cancelled", aborted),
			zap.Int("envelopes_cleared", len(cleared)))
	}
	return aborted, cleared, nil
}

// Remove tears down the agent's worker. Called when the agent is deleted; an
// in-flight run is cancelled.
func (m *Manager) Remove(agentName string) {
	m.mu.Lock()
	w := m.workers[agentName]
	delete(m.workers, agentName)
	m.mu.Unlock()
	if w == nil {
		return
	}
	close(w.stopCh)
	w.cancelMu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancelMu.Unlock()
}

// Stop cancels all in-flight runs and waits for every worker to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	workers := m.workers
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	for _, w := range workers {
		close(w.stopCh)
		w.cancelMu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.cancelMu.Unlock()
	}
	m.wg.Wait()
}

func (m *Manager) workerFor(agentName string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	w, ok := m.workers[agentName]
	if !ok {
		w = &worker{
			name:    agentName,
			mgr:     m,
			mailbox: make(chan struct{}, 1),
			stopCh:  make(chan struct{}),
			logger:  m.logger.WithAgent(agentName),
		}
		m.workers[agentName] = w
		m.wg.Add(1)
		go w.loop()
	}
	return w
}

// loadInstructions concatenates the shared operator instructions with the
// agent's own, skipping files that do not exist.
func (m *Manager) loadInstructions(agentName string) string {
	paths := []string{
		filepath.Join(m.cfg.Home, "BOSS.md"),
		filepath.Join(m.cfg.AgentDir(agentName), "SOUL.md"),
	}
	var parts []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	}
	return strings.Join(parts, "\n\n")
}

type worker struct {
	name    string
	mgr     *Manager
	logger  *logger.Logger
	mailbox chan struct{}
	stopCh  chan struct{}
	running atomic.Bool
	refresh atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (w *worker) loop() {
	defer w.mgr.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.mailbox:
		}
		w.drain()
	}
}

// drain runs turns until no due envelopes remain or a turn does not complete.
// After a failed or cancelled turn the envelopes stay pending; the next wake
// (scheduler tick or new envelope) retries them.
func (w *worker) drain() {
	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		envs, err := w.mgr.store.PendingEnvelopesForAgent(ctx, w.name, MaxEnvelopesPerTurn)
		if err != nil {
			w.logger.Error("failed to load due envelopes", zap.Error(err))
			return
		}
		if len(envs) == 0 {
			return
		}
		if !w.runTurn(ctx, envs) {
			return
		}
	}
}

func (w *worker) runTurn(ctx context.Context, envs []*store.Envelope) bool {
	st := w.mgr.store
	agent, err := st.GetAgent(ctx, w.name)
	if err != nil {
		w.logger.Warn("skipping turn, agent unavailable", zap.Error(err))
		return false
	}
	driver, err := w.mgr.drivers.ForProvider(agent.Provider)
	if err != nil {
		w.logger.Error("no driver for agent provider", zap.Error(err))
		return false
	}

	tzName, err := st.BossTimezone(ctx)
	if err != nil {
		w.logger.Warn("failed to read boss timezone, using UTC", zap.Error(err))
	}
	loc, err := timeutil.LoadLocation(tzName)
	if err != nil {
		w.logger.Warn("boss timezone is unloadable, using UTC",
			zap.String("timezone", tzName), zap.Error(err))
		loc = time.UTC
	}
	now := w.mgr.clock.Now()

	lastCompleted, err := st.LastCompletedRunForAgent(ctx, w.name)
	if err != nil {
		w.logger.Error("failed to load last completed run", zap.Error(err))
		return false
	}
	reason, needRefresh := evaluateSessionPolicy(agent, lastCompleted, now, loc)
	if w.refresh.Swap(false) {
		reason, needRefresh = RefreshManual, true
	}
	if needRefresh && agent.SessionHandle() != "" {
		if err := st.ClearAgentSession(ctx, w.name); err != nil {
			w.logger.Error("failed to clear provider session", zap.Error(err))
		} else {
			w.logger.Info("refreshing provider session", zap.String("reason", string(reason)))
			delete(agent.Metadata, store.MetaSessionHandle)
			delete(agent.Metadata, store.MetaSessionOpenedAt)
		}
	}

	handle := agent.SessionHandle()
	envIDs := make([]string, len(envs))
	for i, env := range envs {
		envIDs[i] = env.ID
	}
	run, err := st.StartRun(ctx, w.name, envIDs)
	if err != nil {
		w.logger.Error("failed to record run start", zap.Error(err))
		return false
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.cancelMu.Lock()
		w.cancel = nil
		w.cancelMu.Unlock()
		cancel()
	}()

	if handle == "" {
		w.logger.Info("opening fresh provider session",
			zap.String("run_id", run.ID), zap.Int("envelopes", len(envs)))
	} else {
		w.logger.Info("resuming provider session",
			zap.String("run_id", run.ID), zap.Int("envelopes", len(envs)))
	}

	workspace := agent.Workspace
	if workspace == "" {
		workspace = w.mgr.cfg.AgentDir(w.name)
	}
	req := provider.Request{
		AgentName:          w.name,
		Workspace:          workspace,
		SystemInstructions: w.mgr.loadInstructions(w.name),
		Model:              strDeref(agent.Model),
		ReasoningEffort:    strDeref(agent.ReasoningEffort),
		SessionHandle:      handle,
		MemoryDir:          w.mgr.cfg.AgentMemoryDir(w.name),
		Input:              BuildTurnInput(envs, now, loc),
	}

	res, err := driver.Run(runCtx, req)
	if err != nil {
		status := store.RunFailed
		if runCtx.Err() != nil {
			status = store.RunCancelled
		}
		if ferr := st.FinishRunWithStatus(ctx, run.ID, status, err.Error()); ferr != nil {
			w.logger.Error("failed to record run outcome", zap.Error(ferr))
		}
		w.logger.Error("provider turn did not complete",
			zap.String("run_id", run.ID), zap.String("status", status), zap.Error(err))
		return false
	}

	switch res.Status {
	case provider.StatusCancelled:
		_ = st.FinishRunWithStatus(ctx, run.ID, store.RunCancelled, "aborted")
		w.logger.Info("provider turn cancelled", zap.String("run_id", run.ID))
		return false
	case provider.StatusFailed:
		_ = st.FinishRunWithStatus(ctx, run.ID, store.RunFailed, res.FinalResponse)
		w.logger.Error("provider turn failed",
			zap.String("run_id", run.ID), zap.String("error", res.FinalResponse))
		return false
	}

	if err := st.CompleteRun(ctx, run, res.FinalResponse, res.ContextLength); err != nil {
		w.logger.Error("failed to acknowledge completed run", zap.Error(err))
		return false
	}
	if res.NewSessionHandle != "" && res.NewSessionHandle != handle {
		openedAt := timeutil.ToMillis(now)
		// A resumed conversation keeps its original open time even though the
		// provider rotates the handle each turn.
		if handle != "" && agent.SessionOpenedAt() > 0 {
			openedAt = agent.SessionOpenedAt()
		}
		if err := st.SetAgentSession(ctx, w.name, res.NewSessionHandle, openedAt); err != nil {
			w.logger.Error("failed to persist session handle", zap.Error(err))
		}
	}
	if err := st.TouchAgentLastSeen(ctx, w.name); err != nil {
		w.logger.Error("failed to touch last-seen", zap.Error(err))
	}
	w.logger.Info("provider turn completed",
		zap.String("run_id", run.ID), zap.Int("envelopes", len(envs)),
		zap.Int64("total_tokens", res.TotalTokens))
	if w.mgr.onTurnDone != nil {
		w.mgr.onTurnDone()
	}
	return true
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
