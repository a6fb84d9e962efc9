// Package daemon assembles and supervises the long-running process: store,
// scheduler, cron materializer, executor workers, adapter bridge and the RPC
// server, guarded by an exclusive pid-file lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hiboss/hiboss/internal/bridge"
	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/cronmat"
	"github.com/hiboss/hiboss/internal/executor"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/policy"
	"github.com/hiboss/hiboss/internal/provider"
	"github.com/hiboss/hiboss/internal/router"
	"github.com/hiboss/hiboss/internal/rpc"
	"github.com/hiboss/hiboss/internal/scheduler"
	"github.com/hiboss/hiboss/internal/store"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon owns the component lifecycles.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger
	clock  timeutil.Clock

	store     *store.Store
	bridge    *bridge.Bridge
	scheduler *scheduler.Scheduler
	cron      *cronmat.Materializer
	executor  *executor.Manager
	router    *router.Router
	rpc       *rpc.Server

	pidFile  *os.File
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg *config.Config, log *logger.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "daemon")),
		clock:  timeutil.SystemClock{},
		stopCh: make(chan struct{}),
	}
}

// Run starts every component and blocks until ctx is cancelled, an RPC
// shutdown arrives, or a component fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.prepareDirs(); err != nil {
		return err
	}
	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()

	st, err := store.Open(d.cfg.DatabasePath(), d.clock, d.logger)
	if err != nil {
		return err
	}
	d.store = st
	defer func() { _ = st.Close() }()

	d.wire()

	d.cron.Start()
	d.scheduler.Start()
	if err := d.rpc.Start(); err != nil {
		return err
	}
	d.logger.Info("daemon started",
		zap.String("version", Version),
		zap.String("data_dir", d.cfg.Home),
		zap.Int("pid", os.Getpid()))

	// Startup recovery: any envelope that became due while we were down gets
	// dispatched immediately.
	d.router.DispatchDue(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-d.stopCh:
			return nil
		}
	})
	err = g.Wait()

	d.shutdownComponents()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown asks Run to return. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) wire() {
	d.scheduler = scheduler.New(d.store, d.clock, d.cfg.Scheduler.SafetyTick, d.onDue, d.logger)
	d.cron = cronmat.New(d.store, d.clock, cronmat.DefaultTick, d.recompute, d.logger)

	drivers := provider.NewRegistry(provider.Config{
		ClaudeBin: d.cfg.Provider.ClaudeBin,
		CodexBin:  d.cfg.Provider.CodexBin,
	}, d.logger)
	d.executor = executor.NewManager(d.store, drivers, d.cfg, d.clock, d.onTurnDone, d.logger)

	d.bridge = bridge.New(d.store, d.onInbound, d.logger)
	d.bridge.SetCommandHandler(d.onAdapterCommand)
	d.router = router.New(d.store, d.bridge, d.executor, d.recompute, d.logger)

	d.rpc = rpc.NewServer(rpc.Deps{
		Store:     d.store,
		Policy:    policy.NewEngine(d.store, d.logger),
		Router:    d.router,
		Executor:  d.executor,
		Cron:      d.cron,
		Bridge:    d.bridge,
		Config:    d.cfg,
		Clock:     d.clock,
		Version:   Version,
		StartedAt: d.clock.Now(),
		Adapters:  d.bridge.Platforms,
		Shutdown:  d.Shutdown,
	}, d.logger)
}

func (d *Daemon) recompute() {
	if d.scheduler != nil {
		d.scheduler.Recompute()
	}
}

// onDue runs on every scheduler fire: deliver due channel envelopes and wake
// agents with due work.
func (d *Daemon) onDue() {
	d.router.DispatchDue(context.Background())
}

// onTurnDone re-arms cron schedules whose envelope just completed and
// re-aims the delivery timer.
func (d *Daemon) onTurnDone() {
	d.cron.Trigger()
	d.recompute()
}

// onInbound wakes the destination agent as soon as the bridge persists an
// inbound envelope.
func (d *Daemon) onInbound(env *store.Envelope) {
	if name, ok := store.ParseAgentAddress(env.To); ok {
		d.executor.Signal(name)
	}
	d.recompute()
}

// onAdapterCommand serves out-of-band boss commands arriving through chat
// platforms.
func (d *Daemon) onAdapterCommand(ctx context.Context, platform, agentName string, cmd bridge.InboundCommand) {
	switch strings.TrimPrefix(cmd.Command, "/") {
	case "refresh":
		d.executor.RequestRefresh(agentName)
	case "abort":
		clearPending := strings.Contains(cmd.Args, "clear")
		if _, _, err := d.executor.Abort(ctx, agentName, clearPending); err != nil {
			d.logger.Error("adapter abort command failed",
				zap.String("agent", agentName), zap.Error(err))
		}
	default:
		d.logger.Debug("ignoring unknown adapter command",
			zap.String("platform", platform), zap.String("command", cmd.Command))
	}
}

func (d *Daemon) shutdownComponents() {
	d.logger.Info("daemon shutting down")
	d.rpc.Stop()
	d.scheduler.Stop()
	d.cron.Stop()
	d.executor.Stop()
	_ = os.Remove(d.cfg.SocketPath())
	d.logger.Info("daemon stopped")
}

func (d *Daemon) prepareDirs() error {
	dirs := []string{
		d.cfg.InternalDir(),
		d.cfg.MediaDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// acquireLock takes an exclusive advisory lock on the pid file. A second
// daemon observes the held lock and exits cleanly.
func (d *Daemon) acquireLock() error {
	f, err := os.OpenFile(d.cfg.PIDFilePath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return hberr.New(hberr.KindConflict, "another daemon already holds %s", d.cfg.PIDFilePath())
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	d.pidFile = f
	return nil
}

func (d *Daemon) releaseLock() {
	if d.pidFile == nil {
		return
	}
	_ = syscall.Flock(int(d.pidFile.Fd()), syscall.LOCK_UN)
	_ = d.pidFile.Close()
	_ = os.Remove(d.cfg.PIDFilePath())
	d.pidFile = nil
}
