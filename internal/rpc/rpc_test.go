package rpc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiboss/hiboss/internal/bridge"
	"github.com/hiboss/hiboss/internal/common/config"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/cronmat"
	"github.com/hiboss/hiboss/internal/executor"
	"github.com/hiboss/hiboss/internal/policy"
	"github.com/hiboss/hiboss/internal/provider"
	"github.com/hiboss/hiboss/internal/router"
	"github.com/hiboss/hiboss/internal/store"
)

const bossToken = "boss-secret-token"

type testEnv struct {
	server *Server
	store  *store.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T, completeSetup bool) *testEnv {
	t.Helper()
	log := logger.Default()
	clock := timeutil.SystemClock{}
	cfg := &config.Config{Home: t.TempDir()}
	require.NoError(t, os.MkdirAll(cfg.InternalDir(), 0o755))

	st, err := store.Open(cfg.DatabasePath(), clock, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if completeSetup {
		hash, err := policy.HashBossToken(bossToken)
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, st.SetConfig(ctx, store.ConfigBossTokenHash, hash))
		require.NoError(t, st.SetConfig(ctx, store.ConfigBossTimezone, "UTC"))
		require.NoError(t, st.SetConfig(ctx, store.ConfigSetupCompleted, "true"))
	}

	br := bridge.New(st, nil, log)
	mgr := executor.NewManager(st, provider.NewRegistry(provider.Config{}, log), cfg, clock, nil, log)
	t.Cleanup(mgr.Stop)
	rt := router.New(st, br, mgr, nil, log)
	cm := cronmat.New(st, clock, time.Hour, nil, log)

	srv := NewServer(Deps{
		Store:     st,
		Policy:    policy.NewEngine(st, log),
		Router:    rt,
		Executor:  mgr,
		Cron:      cm,
		Bridge:    br,
		Config:    cfg,
		Clock:     clock,
		Version:   "test",
		StartedAt: time.Now(),
	}, log)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return &testEnv{server: srv, store: st, cfg: cfg}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	nextID int
}

func (e *testEnv) client(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", e.cfg.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) call(method string, params map[string]any) (json.RawMessage, *Error) {
	c.t.Helper()
	c.nextID++
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		require.NoError(c.t, err)
	}
	payload, err := json.Marshal(Request{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, WriteFrame(c.conn, payload))

	respPayload, err := ReadFrame(c.conn)
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.Unmarshal(respPayload, &resp))
	return resp.Result, resp.Error
}

func (c *testClient) mustCall(method string, params map[string]any) map[string]any {
	c.t.Helper()
	result, rpcErr := c.call(method, params)
	require.Nil(c.t, rpcErr, "%s failed: %v", method, rpcErr)
	var decoded map[string]any
	require.NoError(c.t, json.Unmarshal(result, &decoded))
	return decoded
}

func registerAgent(t *testing.T, c *testClient, name string) string {
	t.Helper()
	result := c.mustCall("agent.register", map[string]any{
		"token": bossToken, "name": name, "provider": "claude",
	})
	return result["token"].(string)
}

func TestBootstrapFlow(t *testing.T) {
	env := newTestEnv(t, false)
	c := env.client(t)

	check := c.mustCall("setup.check", nil)
	assert.Equal(t, false, check["setupCompleted"])

	_, rpcErr := c.call("setup.execute", map[string]any{
		"bossName": "Ada", "bossToken": "short", "timezone": "UTC",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	c.mustCall("setup.execute", map[string]any{
		"bossName": "Ada", "bossToken": bossToken, "timezone": "Asia/Singapore",
	})

	// Setup methods close after completion; boss.verify stays open.
	_, rpcErr = c.call("setup.check", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeAuth, rpcErr.Code)

	verify := c.mustCall("boss.verify", map[string]any{"token": bossToken})
	assert.Equal(t, true, verify["valid"])
	verify = c.mustCall("boss.verify", map[string]any{"token": "wrong"})
	assert.Equal(t, false, verify["valid"])
}

func TestEveryMethodRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)

	methods := []string{
		"envelope.send", "envelope.list", "envelope.get",
		"cron.create", "cron.list", "cron.get", "cron.enable", "cron.disable", "cron.delete",
		"reaction.set",
		"agent.register", "agent.set", "agent.list", "agent.bind", "agent.unbind",
		"agent.status", "agent.refresh", "agent.abort", "agent.delete", "agent.self",
		"agent.session-policy.set",
		"daemon.status", "daemon.start", "daemon.stop", "daemon.ping", "daemon.time",
	}
	for _, method := range methods {
		_, rpcErr := c.call(method, map[string]any{})
		require.NotNil(t, rpcErr, "method %s accepted a token-less request", method)
		assert.Equal(t, CodeAuth, rpcErr.Code, "method %s", method)
	}
}

func TestPermissionLevelsEnforced(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	agentToken := registerAgent(t, c, "nex")

	// A standard agent token clears standard-level methods.
	pong := c.mustCall("daemon.ping", map[string]any{"token": agentToken})
	assert.Equal(t, true, pong["pong"])

	// Boss-only methods reject it with the levels in the error data.
	_, rpcErr := c.call("daemon.status", map[string]any{"token": agentToken})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodePermissionDenied, rpcErr.Code)
	var data map[string]any
	require.NoError(t, json.Unmarshal(rpcErr.Data, &data))
	assert.Equal(t, "boss", data["required"])
	assert.Equal(t, "standard", data["actual"])

	status := c.mustCall("daemon.status", map[string]any{"token": bossToken})
	assert.Equal(t, true, status["running"])
	assert.Equal(t, env.cfg.Home, status["dataDir"])
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	_, rpcErr := c.call("no.such.method", map[string]any{"token": bossToken})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestEnvelopeSendListGet(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	agentToken := registerAgent(t, c, "nex")

	sent := c.mustCall("envelope.send", map[string]any{
		"token": bossToken, "to": "agent:nex", "text": "hello-1",
	})
	c.mustCall("envelope.send", map[string]any{
		"token": bossToken, "to": "agent:nex", "text": "hello-2",
	})

	// The agent lists its own inbox.
	listed := c.mustCall("envelope.list", map[string]any{
		"token": agentToken, "box": "inbox", "status": "pending",
	})
	assert.Equal(t, float64(2), listed["count"])

	shortID := sent["shortId"].(string)
	got := c.mustCall("envelope.get", map[string]any{"token": bossToken, "id": shortID})
	assert.Equal(t, "hello-1", got["text"])
	assert.Equal(t, true, got["fromBoss"])

	_, rpcErr := c.call("envelope.get", map[string]any{"token": bossToken, "id": "ffffffff"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestEnvelopeSendDeferredAndInvalidDeliverAt(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	registerAgent(t, c, "nex")

	sent := c.mustCall("envelope.send", map[string]any{
		"token": bossToken, "to": "agent:nex", "text": "later", "deliverAt": "+2h",
	})
	got := c.mustCall("envelope.get", map[string]any{"token": bossToken, "id": sent["envelopeId"].(string)})
	assert.NotNil(t, got["deliverAt"])

	_, rpcErr := c.call("envelope.send", map[string]any{
		"token": bossToken, "to": "agent:nex", "text": "x", "deliverAt": "tomorrowish",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestAgentSendToChannelRequiresBinding(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	agentToken := registerAgent(t, c, "nex")

	_, rpcErr := c.call("envelope.send", map[string]any{
		"token": agentToken, "to": "channel:telegram:42", "text": "hi",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodePermissionDenied, rpcErr.Code)
}

func TestCronLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	nexToken := registerAgent(t, c, "nex")
	zedToken := registerAgent(t, c, "zed")

	created := c.mustCall("cron.create", map[string]any{
		"token": nexToken, "cron": "*/1 * * * *", "to": "agent:nex", "text": "tick", "timezone": "UTC",
	})
	cronID := created["cronId"].(string)

	_, rpcErr := c.call("cron.create", map[string]any{
		"token": nexToken, "cron": "not a cron", "to": "agent:nex", "text": "tick",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	listed := c.mustCall("cron.list", map[string]any{"token": nexToken})
	assert.Equal(t, float64(1), listed["count"])

	got := c.mustCall("cron.get", map[string]any{"token": nexToken, "id": cronID})
	assert.Equal(t, "*/1 * * * *", got["cron"])
	assert.Equal(t, true, got["enabled"])

	// Another agent cannot touch it.
	_, rpcErr = c.call("cron.delete", map[string]any{"token": zedToken, "id": cronID})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodePermissionDenied, rpcErr.Code)

	disabled := c.mustCall("cron.disable", map[string]any{"token": nexToken, "id": cronID})
	assert.Equal(t, false, disabled["enabled"])
	enabled := c.mustCall("cron.enable", map[string]any{"token": nexToken, "id": cronID})
	assert.Equal(t, true, enabled["enabled"])

	deleted := c.mustCall("cron.delete", map[string]any{"token": nexToken, "id": cronID})
	assert.Equal(t, true, deleted["deleted"])
}

func TestCronCreateValidatesDestination(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	nexToken := registerAgent(t, c, "nex")

	// Scheduled sends obey the same channel authorization as direct sends: an
	// unbound agent cannot schedule into a channel.
	_, rpcErr := c.call("cron.create", map[string]any{
		"token": nexToken, "cron": "*/1 * * * *", "to": "channel:telegram:999", "text": "tick",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodePermissionDenied, rpcErr.Code)

	// A malformed destination never becomes an undeliverable envelope.
	_, rpcErr = c.call("cron.create", map[string]any{
		"token": nexToken, "cron": "*/1 * * * *", "to": "garbage", "text": "tick",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	// Agent destinations must name a registered agent.
	_, rpcErr = c.call("cron.create", map[string]any{
		"token": bossToken, "agentName": "nex", "cron": "*/1 * * * *", "to": "agent:ghost", "text": "tick",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)

	// Once bound, the channel destination is accepted.
	c.mustCall("agent.bind", map[string]any{
		"token": bossToken, "name": "nex", "adapterType": "telegram", "adapterToken": "T1",
	})
	created := c.mustCall("cron.create", map[string]any{
		"token": nexToken, "cron": "*/1 * * * *", "to": "channel:telegram:999", "text": "tick",
	})
	assert.NotEmpty(t, created["cronId"])
}

func TestAgentBindUsesCanonicalName(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	registerAgent(t, c, "Nex")

	// Agent names match case-insensitively, but the binding row must carry the
	// registered spelling so the credential resolves back to the agent.
	bound := c.mustCall("agent.bind", map[string]any{
		"token": bossToken, "name": "nex", "adapterType": "telegram", "adapterToken": "T1",
	})
	assert.Equal(t, "Nex", bound["agentName"])

	binding, err := env.store.GetBindingByCredential(context.Background(), "telegram", "T1")
	require.NoError(t, err)
	assert.Equal(t, "Nex", binding.AgentName)

	unbound := c.mustCall("agent.unbind", map[string]any{
		"token": bossToken, "name": "NEX", "adapterType": "telegram",
	})
	assert.Equal(t, true, unbound["unbound"])
}

func TestAgentAdminFlow(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	agentToken := registerAgent(t, c, "nex")
	registerAgent(t, c, "zed")

	// Registration creates the agent's working directories.
	assert.DirExists(t, env.cfg.AgentMemoryDir("nex"))

	self := c.mustCall("agent.self", map[string]any{"token": agentToken})
	assert.Equal(t, "nex", self["name"])

	updated := c.mustCall("agent.set", map[string]any{
		"token": bossToken, "name": "nex", "description": "scout agent", "model": "opus",
	})
	assert.Equal(t, "scout agent", updated["description"])
	assert.Equal(t, "opus", updated["model"])

	bound := c.mustCall("agent.bind", map[string]any{
		"token": bossToken, "name": "nex", "adapterType": "telegram", "adapterToken": "T1",
	})
	assert.NotEmpty(t, bound["bindingId"])

	// The same credential cannot bind a second agent.
	_, rpcErr := c.call("agent.bind", map[string]any{
		"token": bossToken, "name": "zed", "adapterType": "telegram", "adapterToken": "T1",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeConflict, rpcErr.Code)

	status := c.mustCall("agent.status", map[string]any{"token": agentToken, "name": "nex"})
	assert.Equal(t, false, status["running"])
	assert.Equal(t, float64(0), status["queuedEnvelopes"])

	c.mustCall("agent.unbind", map[string]any{"token": bossToken, "name": "nex", "adapterType": "telegram"})

	polResult := c.mustCall("agent.session-policy.set", map[string]any{
		"token": bossToken, "name": "nex", "idleTimeout": "1h30m", "dailyResetAt": "04:00",
	})
	assert.NotNil(t, polResult["sessionPolicy"])

	_, rpcErr = c.call("agent.session-policy.set", map[string]any{
		"token": bossToken, "name": "nex", "idleTimeout": "soon",
	})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	deleted := c.mustCall("agent.delete", map[string]any{"token": bossToken, "name": "nex"})
	assert.Equal(t, true, deleted["deleted"])
	_, rpcErr = c.call("agent.status", map[string]any{"token": bossToken, "name": "nex"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestAgentRefreshAndAbort(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	registerAgent(t, c, "nex")

	refreshed := c.mustCall("agent.refresh", map[string]any{"token": bossToken, "name": "nex"})
	assert.Equal(t, true, refreshed["refreshQueued"])

	// Refreshing an unknown agent is an error, not a silently queued no-op.
	_, rpcErr := c.call("agent.refresh", map[string]any{"token": bossToken, "name": "ghost"})
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)

	c.mustCall("envelope.send", map[string]any{"token": bossToken, "to": "agent:nex", "text": "x"})
	// No run in flight: abort only clears pending work when asked.
	aborted := c.mustCall("agent.abort", map[string]any{
		"token": bossToken, "name": "nex", "clearPending": true,
	})
	assert.Equal(t, false, aborted["runCancelled"])
	assert.Equal(t, float64(1), aborted["envelopesCleared"])
}

func TestDaemonTime(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.client(t)
	result := c.mustCall("daemon.time", map[string]any{"token": bossToken})
	assert.Equal(t, "UTC", result["timezone"])
	assert.NotEmpty(t, result["nowIso"])
	assert.Greater(t, result["now"], float64(0))
}
