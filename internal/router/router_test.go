package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/bridge"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingWaker struct {
	mu      sync.Mutex
	signals []string
}

func (w *recordingWaker) Signal(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, name)
}

func (w *recordingWaker) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.signals...)
}

type stubAdapter struct {
	platform string
	sent     []string
	err      error
}

func (a *stubAdapter) Platform() string { return a.platform }

func (a *stubAdapter) SendMessage(_ context.Context, chatID string, msg bridge.OutboundMessage) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.sent = append(a.sent, msg.Text)
	return "pm-1", nil
}

func (a *stubAdapter) SetReaction(context.Context, string, string, string) error { return nil }

func newTestRouter(t *testing.T) (*Router, *store.Store, *stubAdapter, *recordingWaker, *int) {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(t.TempDir()+"/hiboss.db", clock, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	br := bridge.New(st, nil, logger.Default())
	adapter := &stubAdapter{platform: "telegram"}
	br.Register(adapter)

	waker := &recordingWaker{}
	recomputes := 0
	r := New(st, br, waker, func() { recomputes++ }, logger.Default())
	return r, st, adapter, waker, &recomputes
}

func TestSendToUnknownAgent(t *testing.T) {
	r, _, _, _, _ := newTestRouter(t)
	err := r.Send(context.Background(), &store.Envelope{
		From: "agent:a", To: "agent:ghost", Content: store.Content{Text: "x"},
	})
	assert.True(t, hberr.IsKind(err, hberr.KindNotFound), "got %v", err)
}

func TestSendToChannelRequiresBinding(t *testing.T) {
	r, st, _, _, _ := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{Name: "nex", Token: "t", Provider: store.ProviderClaude}))

	env := &store.Envelope{From: "agent:nex", To: "channel:telegram:1", Content: store.Content{Text: "x"}}
	err := r.Send(ctx, env)
	assert.True(t, hberr.IsKind(err, hberr.KindPermissionDenied), "got %v", err)

	require.NoError(t, st.CreateBinding(ctx, &store.AgentBinding{
		AgentName: "nex", AdapterType: "telegram", AdapterToken: "cred-1",
	}))
	require.NoError(t, r.Send(ctx, env))
}

func TestSendPersistsAndRecomputes(t *testing.T) {
	r, st, _, _, recomputes := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{Name: "nex", Token: "t", Provider: store.ProviderClaude}))

	env := &store.Envelope{From: "channel:telegram:1", To: "agent:nex", Content: store.Content{Text: "x"}}
	require.NoError(t, r.Send(ctx, env))
	assert.Equal(t, 1, *recomputes)

	got, err := st.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestDispatchDeliversChannelEnvelopes(t *testing.T) {
	r, st, adapter, _, _ := newTestRouter(t)
	ctx := context.Background()

	env := &store.Envelope{From: "agent:nex", To: "channel:telegram:1", Content: store.Content{Text: "hello"}}
	require.NoError(t, st.CreateEnvelope(ctx, env))

	r.DispatchDue(ctx)

	assert.Equal(t, []string{"hello"}, adapter.sent)
	got, err := st.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, got.Status)
}

func TestDispatchTerminalizesAdapterFailures(t *testing.T) {
	r, st, adapter, _, _ := newTestRouter(t)
	ctx := context.Background()
	adapter.err = errors.New("chat not found")

	env := &store.Envelope{From: "agent:nex", To: "channel:telegram:1", Content: store.Content{Text: "x"}}
	require.NoError(t, st.CreateEnvelope(ctx, env))

	r.DispatchDue(ctx)

	got, err := st.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, got.Status)
	assert.Equal(t, string(hberr.KindAdapter), got.Metadata[store.MetaLastDeliveryErrorKind])
	assert.Contains(t, got.Metadata[store.MetaLastDeliveryErrorMessage], "chat not found")
}

func TestDispatchWakesAgentsWithDueWork(t *testing.T) {
	r, st, _, waker, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, st.CreateEnvelope(ctx, &store.Envelope{From: "channel:telegram:1", To: "agent:nex", Content: store.Content{Text: "a"}}))
	require.NoError(t, st.CreateEnvelope(ctx, &store.Envelope{From: "channel:telegram:1", To: "agent:zed", Content: store.Content{Text: "b"}}))
	// A deferred envelope must not wake anyone yet.
	future := st.Now() + 60_000
	require.NoError(t, st.CreateEnvelope(ctx, &store.Envelope{From: "channel:telegram:1", To: "agent:late", DeliverAt: &future}))

	r.DispatchDue(ctx)

	assert.ElementsMatch(t, []string{"nex", "zed"}, waker.names())
}
