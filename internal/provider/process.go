package provider

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
)

const (
	// sigintGrace is how long a cancelled child gets to honor SIGINT before
	// SIGTERM, and SIGTERM before SIGKILL.
	sigintGrace = 3 * time.Second

	// stderrTailBytes bounds the stderr kept for error reporting.
	stderrTailBytes = 8 * 1024
)

// tailBuffer keeps the most recent maxBytes written to it. Memory-bounded so
// a chatty child cannot OOM the daemon.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	data     []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.maxBytes; over > 0 {
		b.data = b.data[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// spec describes one child invocation.
type spec struct {
	bin      string
	args     []string
	dir      string
	stripEnv []string // provider-home overrides cleared from the child env
}

// parseFunc consumes the child's stdout and produces the turn result. It runs
// concurrently with the child and must drain stdout until EOF.
type parseFunc func(stdout io.Reader) (*Result, error)

// runProcess spawns the child, parses its stdout and reconciles exit status.
// On ctx cancellation the child gets SIGINT, then SIGTERM, then SIGKILL, each
// after a grace window, and the turn reports cancelled.
func runProcess(ctx context.Context, sp spec, parse parseFunc, log *logger.Logger) (*Result, error) {
	cmd := exec.Command(sp.bin, sp.args...)
	cmd.Dir = sp.dir
	cmd.Env = cleanEnv(sp.stripEnv)
	// New process group so signal escalation reaches the whole child tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, hberr.Wrap(err, hberr.KindProvider, "failed to attach stdout")
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, hberr.Wrap(err, hberr.KindProvider, "failed to start %s", sp.bin)
	}
	log.Debug("spawned provider child",
		zap.String("bin", sp.bin),
		zap.Int("pid", cmd.Process.Pid))

	type parsed struct {
		result *Result
		err    error
	}
	parseCh := make(chan parsed, 1)
	go func() {
		res, err := parse(stdout)
		parseCh <- parsed{result: res, err: err}
	}()

	killDone := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		defer close(killDone)
		select {
		case <-waitDone:
		case <-ctx.Done():
			escalate(cmd, waitDone)
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	<-killDone
	out := <-parseCh

	if ctx.Err() != nil {
		// Partial output is discarded on cancellation.
		log.Info("provider child cancelled", zap.String("bin", sp.bin))
		return &Result{Status: StatusCancelled}, nil
	}
	if waitErr != nil {
		return nil, hberr.Wrap(waitErr, hberr.KindProvider, "%s exited abnormally", sp.bin).
			WithData("stderr", stderr.String())
	}
	if out.err != nil {
		return nil, hberr.Wrap(out.err, hberr.KindProvider, "failed to parse %s output", sp.bin).
			WithData("stderr", stderr.String())
	}
	if out.result.Status == StatusFailed && out.result.FinalResponse == "" {
		out.result.FinalResponse = stderr.String()
	}
	return out.result, nil
}

// escalate signals the child's process group SIGINT, SIGTERM, SIGKILL with a
// grace window between each, stopping as soon as the child exits.
func escalate(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid, pgErr := syscall.Getpgid(cmd.Process.Pid)
	signal := func(sig syscall.Signal) {
		if pgErr == nil {
			_ = syscall.Kill(-pgid, sig)
		} else {
			_ = cmd.Process.Signal(sig)
		}
	}
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		signal(sig)
		select {
		case <-exited:
			return
		case <-time.After(sigintGrace):
		}
	}
	signal(syscall.SIGKILL)
}

// cleanEnv returns the parent environment minus the named variables.
func cleanEnv(strip []string) []string {
	env := make([]string, 0, len(os.Environ()))
	for _, entry := range os.Environ() {
		key := entry
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key = entry[:eq]
		}
		skip := false
		for _, name := range strip {
			if key == name {
				skip = true
				break
			}
		}
		if !skip {
			env = append(env, entry)
		}
	}
	return env
}
