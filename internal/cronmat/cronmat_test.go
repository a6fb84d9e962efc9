package cronmat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestMaterializer(t *testing.T, now time.Time) (*Materializer, *store.Store, *int) {
	t.Helper()
	clock := fixedClock{now: now}
	st, err := store.Open(t.TempDir()+"/hiboss.db", clock, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	recomputes := 0
	m := New(st, clock, time.Hour, func() { recomputes++ }, logger.Default())
	return m, st, &recomputes
}

func seedSchedule(t *testing.T, st *store.Store, sched *store.CronSchedule) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{Name: sched.AgentName, Token: "tok-" + sched.AgentName, Provider: store.ProviderClaude}))
	require.NoError(t, st.CreateCronSchedule(ctx, sched))
}

func TestParseSpecForms(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 30 9 * * 1", "@daily", "@hourly", "@weekly", "@monthly", "@yearly"}
	for _, expr := range valid {
		assert.NoError(t, ValidateSpec(expr), expr)
	}
	invalid := []string{"", "not a cron", "* * *", "61 * * * *", "@fortnightly"}
	for _, expr := range invalid {
		assert.Error(t, ValidateSpec(expr), expr)
	}
}

func TestMaterializeNextOccurrence(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 7, 0, 0, time.UTC)
	m, st, recomputes := newTestMaterializer(t, now)
	ctx := context.Background()

	sched := &store.CronSchedule{AgentName: "nex", Cron: "0 * * * *", Enabled: true,
		To: "agent:nex", Content: store.Content{Text: "tick"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	assert.Equal(t, 1, *recomputes)

	got, err := st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingEnvelopeID)

	env, err := st.GetEnvelope(ctx, *got.PendingEnvelopeID)
	require.NoError(t, err)
	require.NotNil(t, env.DeliverAt)
	assert.Equal(t, timeutil.ToMillis(time.Date(2026, 2, 1, 13, 0, 0, 0, time.UTC)), *env.DeliverAt)
	assert.Equal(t, sched.ID, env.CronScheduleID())
	assert.Equal(t, "agent:nex", env.From)
}

func TestMaterializeIsIdempotentWhilePending(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m, st, _ := newTestMaterializer(t, now)
	ctx := context.Background()

	sched := &store.CronSchedule{AgentName: "nex", Cron: "@hourly", Enabled: true,
		To: "agent:nex", Content: store.Content{Text: "tick"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	m.Rematerialize(ctx)

	count, err := st.PendingEnvelopeCountForCron(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMaterializeRearmsAfterCompletion(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m, st, _ := newTestMaterializer(t, now)
	ctx := context.Background()

	sched := &store.CronSchedule{AgentName: "nex", Cron: "@hourly", Enabled: true,
		To: "agent:nex", Content: store.Content{Text: "tick"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	got, err := st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	first := *got.PendingEnvelopeID

	require.NoError(t, st.MarkEnvelopesDone(ctx, []string{first}))
	m.Rematerialize(ctx)

	got, err = st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingEnvelopeID)
	assert.NotEqual(t, first, *got.PendingEnvelopeID)
}

func TestDisabledSchedulesAreSkipped(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m, st, recomputes := newTestMaterializer(t, now)
	ctx := context.Background()

	sched := &store.CronSchedule{AgentName: "nex", Cron: "@hourly", Enabled: false,
		To: "agent:nex", Content: store.Content{Text: "tick"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	assert.Zero(t, *recomputes)

	got, err := st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingEnvelopeID)
}

func TestScheduleTimezoneOverridesBoss(t *testing.T) {
	// 12:00 UTC on Feb 1. In Singapore (+08) it is already 20:00, so the next
	// "daily at 06:00" occurrence is Feb 2 06:00 +08 = Feb 1 22:00 UTC.
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m, st, _ := newTestMaterializer(t, now)
	ctx := context.Background()
	require.NoError(t, st.SetConfig(ctx, store.ConfigBossTimezone, "UTC"))

	tz := "Asia/Singapore"
	sched := &store.CronSchedule{AgentName: "nex", Cron: "0 6 * * *", Timezone: &tz, Enabled: true,
		To: "agent:nex", Content: store.Content{Text: "morning"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	got, err := st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingEnvelopeID)
	env, err := st.GetEnvelope(ctx, *got.PendingEnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, timeutil.ToMillis(time.Date(2026, 2, 1, 22, 0, 0, 0, time.UTC)), *env.DeliverAt)
}

func TestTemplateMetadataCarriedWithoutReplyKeys(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m, st, _ := newTestMaterializer(t, now)
	ctx := context.Background()

	sched := &store.CronSchedule{AgentName: "nex", Cron: "@hourly", Enabled: true,
		To: "agent:nex", Content: store.Content{Text: "tick"},
		Metadata: map[string]any{"note": "standup", store.MetaReplyToEnvelopeID: "gone"}}
	seedSchedule(t, st, sched)

	m.Rematerialize(ctx)
	got, err := st.GetCronSchedule(ctx, sched.ID)
	require.NoError(t, err)
	env, err := st.GetEnvelope(ctx, *got.PendingEnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, "standup", env.Metadata["note"])
	assert.Equal(t, sched.ID, env.Metadata[store.MetaCronScheduleID])
	_, hasReply := env.Metadata[store.MetaReplyToEnvelopeID]
	assert.False(t, hasReply)
}
