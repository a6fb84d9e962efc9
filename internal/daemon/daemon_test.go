package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
)

func waitForSocket(t *testing.T, cfg *config.Config) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.SocketPath())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSecondDaemonExitsCleanly(t *testing.T) {
	cfg := &config.Config{Home: t.TempDir()}
	first := New(cfg, logger.Default())
	errCh := make(chan error, 1)
	go func() { errCh <- first.Run(context.Background()) }()
	waitForSocket(t, cfg)

	second := New(cfg, logger.Default())
	err := second.Run(context.Background())
	require.Error(t, err)
	assert.True(t, hberr.IsKind(err, hberr.KindConflict))

	first.Shutdown()
	require.NoError(t, <-errCh)
}

func TestShutdownOnContextCancel(t *testing.T) {
	cfg := &config.Config{Home: t.TempDir()}
	d := New(cfg, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	waitForSocket(t, cfg)

	cancel()
	require.NoError(t, <-errCh)

	// The socket and pid file are cleaned up on exit.
	_, err := os.Stat(cfg.SocketPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.PIDFilePath())
	assert.True(t, os.IsNotExist(err))
}
