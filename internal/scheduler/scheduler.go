// Package scheduler wakes the delivery pipeline when deferred envelopes come
// due. It keeps a single timer armed at the earliest future deliverAt and
// re-arms whenever the queue changes, with a periodic safety tick as backstop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/store"
)

// DefaultSafetyTick bounds how long a missed recompute signal can delay
// delivery.
const DefaultSafetyTick = 60 * time.Second

// Scheduler owns the deliver-at timer. Components that enqueue envelopes call
// Recompute; the onDue callback fires whenever due work may exist.
type Scheduler struct {
	store      *store.Store
	clock      timeutil.Clock
	safetyTick time.Duration
	onDue      func()
	logger     *logger.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, clock timeutil.Clock, safetyTick time.Duration, onDue func(), log *logger.Logger) *Scheduler {
	if safetyTick <= 0 {
		safetyTick = DefaultSafetyTick
	}
	return &Scheduler{
		store:      st,
		clock:      clock,
		safetyTick: safetyTick,
		onDue:      onDue,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Recompute signals that the envelope queue changed. Coalesces: a pending
// signal absorbs later ones.
func (s *Scheduler) Recompute() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		delay := s.nextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		case <-s.wake:
		}
		s.onDue()
	}
}

// nextDelay returns the time until the earliest future deliverAt, capped by
// the safety tick.
func (s *Scheduler) nextDelay() time.Duration {
	next, err := s.store.NextScheduledEnvelope(context.Background())
	if err != nil {
		s.logger.Error("failed to query next scheduled envelope", zap.Error(err))
		return s.safetyTick
	}
	if next == nil || next.DeliverAt == nil {
		return s.safetyTick
	}
	delay := timeutil.FromMillis(*next.DeliverAt).Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if delay > s.safetyTick {
		delay = s.safetyTick
	}
	return delay
}
