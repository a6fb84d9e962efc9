package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

type sentMessage struct {
	ChatID string
	Msg    OutboundMessage
}

type reaction struct {
	ChatID    string
	MessageID string
	Emoji     string
}

// fakeAdapter records calls and returns sequential message ids.
type fakeAdapter struct {
	platform  string
	sent      []sentMessage
	reactions []reaction
	sendErr   error
	nextID    int
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) SendMessage(_ context.Context, chatID string, msg OutboundMessage) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Msg: msg})
	f.nextID++
	return fmt.Sprintf("pm-%d", f.nextID), nil
}

func (f *fakeAdapter) SetReaction(_ context.Context, chatID, messageID, emoji string) error {
	f.reactions = append(f.reactions, reaction{ChatID: chatID, MessageID: messageID, Emoji: emoji})
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestBridge(t *testing.T) (*Bridge, *store.Store, *fakeAdapter, *[]*store.Envelope) {
	t.Helper()
	var clock timeutil.Clock = fixedClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(t.TempDir()+"/hiboss.db", clock, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var routed []*store.Envelope
	b := New(st, func(env *store.Envelope) { routed = append(routed, env) }, logger.Default())
	adapter := &fakeAdapter{platform: "telegram"}
	b.Register(adapter)
	return b, st, adapter, &routed
}

func seedBoundAgent(t *testing.T, st *store.Store, name, credential string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{Name: name, Token: "tok-" + name, Provider: store.ProviderClaude}))
	require.NoError(t, st.CreateBinding(ctx, &store.AgentBinding{
		AgentName: name, AdapterType: "telegram", AdapterToken: credential,
	}))
}

func TestInboundRoutesToBoundAgent(t *testing.T) {
	b, st, _, routed := newTestBridge(t)
	ctx := context.Background()
	seedBoundAgent(t, st, "nex", "cred-1")
	require.NoError(t, st.SetConfig(ctx, store.ConfigAdapterBossIDPrefix+"telegram", "BossMan"))

	err := b.HandleInbound(ctx, "telegram", "cred-1", InboundMessage{
		ChatID:            "123",
		Author:            Author{ID: "55", Username: "bossman"},
		Text:              "hello",
		PlatformMessageID: "m-1",
	})
	require.NoError(t, err)
	require.Len(t, *routed, 1)

	env := (*routed)[0]
	assert.Equal(t, "channel:telegram:123", env.From)
	assert.Equal(t, "agent:nex", env.To)
	assert.True(t, env.FromBoss) // username matched case-insensitively
	assert.Equal(t, "hello", env.Content.Text)
	assert.Equal(t, "m-1", env.Metadata[store.MetaPlatformMessageID])
}

func TestInboundNonBossAuthor(t *testing.T) {
	b, st, _, routed := newTestBridge(t)
	ctx := context.Background()
	seedBoundAgent(t, st, "nex", "cred-1")
	require.NoError(t, st.SetConfig(ctx, store.ConfigAdapterBossIDPrefix+"telegram", "55"))

	err := b.HandleInbound(ctx, "telegram", "cred-1", InboundMessage{
		ChatID: "123", Author: Author{ID: "99"}, Text: "hi",
	})
	require.NoError(t, err)
	require.Len(t, *routed, 1)
	assert.False(t, (*routed)[0].FromBoss)
}

func TestInboundUnboundCredentialDropsAndWarnsOnce(t *testing.T) {
	b, st, adapter, routed := newTestBridge(t)
	ctx := context.Background()
	require.NoError(t, st.SetConfig(ctx, store.ConfigAdapterBossIDPrefix+"telegram", "55"))

	msg := InboundMessage{ChatID: "123", Author: Author{ID: "99"}, Text: "hi"}
	require.NoError(t, b.HandleInbound(ctx, "telegram", "no-such-cred", msg))
	require.NoError(t, b.HandleInbound(ctx, "telegram", "no-such-cred", msg))

	assert.Empty(t, *routed)
	// One warning to the boss chat, not two.
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "55", adapter.sent[0].ChatID)
}

func TestInboundReplyResolvesQuotedEnvelope(t *testing.T) {
	b, st, _, routed := newTestBridge(t)
	ctx := context.Background()
	seedBoundAgent(t, st, "nex", "cred-1")

	// A previously delivered outbound envelope on the same channel.
	prior := &store.Envelope{From: "agent:nex", To: "channel:telegram:123", Content: store.Content{Text: "earlier"}}
	require.NoError(t, st.CreateEnvelope(ctx, prior))
	require.NoError(t, st.SetEnvelopePlatformMessageID(ctx, prior.ID, "pm-earlier"))

	err := b.HandleInbound(ctx, "telegram", "cred-1", InboundMessage{
		ChatID: "123", Author: Author{ID: "9"}, Text: "re", InReplyTo: "pm-earlier", PlatformMessageID: "m-2",
	})
	require.NoError(t, err)
	require.Len(t, *routed, 1)
	assert.Equal(t, prior.ID, (*routed)[0].Metadata[store.MetaReplyToEnvelopeID])
}

func TestDeliverTranslatesReplyAndRecordsMessageID(t *testing.T) {
	b, st, adapter, _ := newTestBridge(t)
	ctx := context.Background()

	quoted := &store.Envelope{From: "channel:telegram:123", To: "agent:nex", Content: store.Content{Text: "q"},
		Metadata: map[string]any{store.MetaPlatformMessageID: "pm-q"}}
	require.NoError(t, st.CreateEnvelope(ctx, quoted))

	out := &store.Envelope{From: "agent:nex", To: "channel:telegram:123", Content: store.Content{Text: "answer"},
		Metadata: map[string]any{store.MetaReplyToEnvelopeID: quoted.ID}}
	require.NoError(t, st.CreateEnvelope(ctx, out))

	require.NoError(t, b.Deliver(ctx, out))
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "123", adapter.sent[0].ChatID)
	assert.Equal(t, "answer", adapter.sent[0].Msg.Text)
	assert.Equal(t, "pm-q", adapter.sent[0].Msg.ReplyToChannelMessageID)

	got, err := st.GetEnvelope(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, "pm-1", got.Metadata[store.MetaPlatformMessageID])
}

func TestDeliverAdapterFailure(t *testing.T) {
	b, st, adapter, _ := newTestBridge(t)
	ctx := context.Background()
	adapter.sendErr = errors.New("chat not found")

	env := &store.Envelope{From: "agent:nex", To: "channel:telegram:123", Content: store.Content{Text: "x"}}
	require.NoError(t, st.CreateEnvelope(ctx, env))

	err := b.Deliver(ctx, env)
	assert.True(t, hberr.IsKind(err, hberr.KindAdapter), "got %v", err)
}

func TestDeliverUnknownPlatform(t *testing.T) {
	b, st, _, _ := newTestBridge(t)
	ctx := context.Background()

	env := &store.Envelope{From: "agent:nex", To: "channel:discord:9", Content: store.Content{Text: "x"}}
	require.NoError(t, st.CreateEnvelope(ctx, env))

	err := b.Deliver(ctx, env)
	assert.True(t, hberr.IsKind(err, hberr.KindAdapter), "got %v", err)
}

func TestSetReaction(t *testing.T) {
	b, st, adapter, _ := newTestBridge(t)
	ctx := context.Background()

	env := &store.Envelope{From: "channel:telegram:123", To: "agent:nex", Content: store.Content{Text: "x"},
		Metadata: map[string]any{store.MetaPlatformMessageID: "pm-7"}}
	require.NoError(t, st.CreateEnvelope(ctx, env))

	require.NoError(t, b.SetReaction(ctx, env, "👍"))
	require.Len(t, adapter.reactions, 1)
	assert.Equal(t, reaction{ChatID: "123", MessageID: "pm-7", Emoji: "👍"}, adapter.reactions[0])

	noID := &store.Envelope{From: "channel:telegram:123", To: "agent:nex", Content: store.Content{Text: "y"}}
	require.NoError(t, st.CreateEnvelope(ctx, noID))
	err := b.SetReaction(ctx, noID, "👍")
	assert.True(t, hberr.IsKind(err, hberr.KindNotFound), "got %v", err)
}

func TestCommandOnlyFromBoss(t *testing.T) {
	b, st, _, _ := newTestBridge(t)
	ctx := context.Background()
	seedBoundAgent(t, st, "nex", "cred-1")
	require.NoError(t, st.SetConfig(ctx, store.ConfigAdapterBossIDPrefix+"telegram", "55"))

	var got []InboundCommand
	b.SetCommandHandler(func(_ context.Context, platform, agentName string, cmd InboundCommand) {
		assert.Equal(t, "telegram", platform)
		assert.Equal(t, "nex", agentName)
		got = append(got, cmd)
	})

	require.NoError(t, b.HandleCommand(ctx, "telegram", "cred-1", InboundCommand{
		ChatID: "123", Author: Author{ID: "99"}, Command: "refresh",
	}))
	assert.Empty(t, got)

	require.NoError(t, b.HandleCommand(ctx, "telegram", "cred-1", InboundCommand{
		ChatID: "123", Author: Author{ID: "55"}, Command: "refresh",
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "refresh", got[0].Command)
}
