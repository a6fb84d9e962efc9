// Package cronmat turns enabled cron schedules into deferred envelopes, one
// next-occurrence envelope per schedule at a time.
package cronmat

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// DefaultTick bounds how stale the materialized set can get without any
// re-arm trigger.
const DefaultTick = 60 * time.Second

// parser accepts 5-field specs, 6-field specs with a leading seconds field,
// and the @hourly/@daily/@weekly/@monthly/@yearly descriptors.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron expression and returns its schedule.
func ParseSpec(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, hberr.Wrap(err, hberr.KindValidation, "invalid cron expression %q", expr)
	}
	return sched, nil
}

// ValidateSpec checks a cron expression without keeping the schedule.
func ValidateSpec(expr string) error {
	_, err := ParseSpec(expr)
	return err
}

// Materializer keeps every enabled schedule holding exactly one pending
// envelope whose deliverAt is the schedule's next occurrence.
type Materializer struct {
	store     *store.Store
	clock     timeutil.Clock
	tick      time.Duration
	recompute func()
	logger    *logger.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, clock timeutil.Clock, tick time.Duration, recompute func(), log *logger.Logger) *Materializer {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Materializer{
		store:     st,
		clock:     clock,
		tick:      tick,
		recompute: recompute,
		logger:    log.WithFields(zap.String("component", "cron")),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic materialization loop.
func (m *Materializer) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop and waits for it to exit.
func (m *Materializer) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Trigger requests an immediate re-materialization pass. Called on schedule
// create/enable and when a materialized envelope completes.
func (m *Materializer) Trigger() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Materializer) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	m.Rematerialize(context.Background())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.Rematerialize(context.Background())
	}
}

// Rematerialize walks enabled schedules in creation order and materializes the
// next occurrence for every schedule whose previous envelope is gone or done.
func (m *Materializer) Rematerialize(ctx context.Context) {
	schedules, err := m.store.ListEnabledCronSchedules(ctx)
	if err != nil {
		m.logger.Error("failed to list enabled cron schedules", zap.Error(err))
		return
	}
	materialized := 0
	for _, sched := range schedules {
		did, err := m.materializeOne(ctx, sched)
		if err != nil {
			m.logger.Error("failed to materialize cron schedule",
				zap.String("cron_id", sched.ID), zap.Error(err))
			continue
		}
		if did {
			materialized++
		}
	}
	if materialized > 0 {
		m.logger.Info("materialized cron envelopes", zap.Int("count", materialized))
		if m.recompute != nil {
			m.recompute()
		}
	}
}

func (m *Materializer) materializeOne(ctx context.Context, sched *store.CronSchedule) (bool, error) {
	if sched.PendingEnvelopeID != nil {
		env, err := m.store.GetEnvelope(ctx, *sched.PendingEnvelopeID)
		if err != nil && !hberr.IsKind(err, hberr.KindNotFound) {
			return false, err
		}
		if err == nil && env.Status == store.StatusPending {
			return false, nil
		}
	}

	loc, err := m.effectiveLocation(ctx, sched)
	if err != nil {
		return false, err
	}
	spec, err := ParseSpec(sched.Cron)
	if err != nil {
		return false, err
	}
	next := spec.Next(m.clock.Now().In(loc))
	if next.IsZero() {
		m.logger.Warn("cron schedule has no next occurrence", zap.String("cron_id", sched.ID))
		return false, nil
	}

	deliverAt := timeutil.ToMillis(next)
	metadata := make(map[string]any, len(sched.Metadata)+1)
	for k, v := range sched.Metadata {
		metadata[k] = v
	}
	metadata[store.MetaCronScheduleID] = sched.ID

	env := &store.Envelope{
		From:      store.AddrAgentPrefix + sched.AgentName,
		To:        sched.To,
		Content:   sched.Content,
		DeliverAt: &deliverAt,
		Metadata:  metadata,
	}
	if err := m.store.MaterializeCronEnvelope(ctx, sched, env); err != nil {
		return false, err
	}
	m.logger.Debug("materialized cron envelope",
		zap.String("cron_id", sched.ID),
		zap.String("envelope_id", env.ID),
		zap.Time("deliver_at", next))
	return true, nil
}

// effectiveLocation resolves the schedule's timezone, falling back to the
// configured boss timezone.
func (m *Materializer) effectiveLocation(ctx context.Context, sched *store.CronSchedule) (*time.Location, error) {
	name := ""
	if sched.Timezone != nil {
		name = *sched.Timezone
	} else {
		tz, err := m.store.BossTimezone(ctx)
		if err != nil {
			return nil, err
		}
		name = tz
	}
	loc, err := timeutil.LoadLocation(name)
	if err != nil {
		return nil, hberr.Wrap(err, hberr.KindValidation, "cron schedule %s has invalid timezone", sched.ID)
	}
	return loc, nil
}
