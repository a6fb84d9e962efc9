// hibossd is the Hi-Boss daemon: it routes durable envelopes between chat
// channels and provider-driven agents over a local RPC socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/daemon"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.New(cfg, log).Run(ctx); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
}
