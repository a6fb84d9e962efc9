package rpc

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/hiboss/hiboss/internal/common/ids"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/cronmat"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/policy"
	"github.com/hiboss/hiboss/internal/store"
)

// --- bootstrap ---

func (s *Server) handleSetupCheck(ctx context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	done, err := s.deps.Store.SetupCompleted(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"setupCompleted": done, "version": s.deps.Version}, nil
}

type setupExecuteParams struct {
	BossName  string `json:"bossName"`
	BossToken string `json:"bossToken"`
	Timezone  string `json:"timezone"`
}

func (s *Server) handleSetupExecute(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p setupExecuteParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.BossName == "" {
		return nil, hberr.New(hberr.KindValidation, "bossName is required")
	}
	if len(p.BossToken) < 8 {
		return nil, hberr.New(hberr.KindValidation, "bossToken must be at least 8 characters")
	}
	if _, err := timeutil.LoadLocation(p.Timezone); err != nil {
		return nil, hberr.Wrap(err, hberr.KindValidation, "invalid timezone")
	}
	hash, err := policy.HashBossToken(p.BossToken)
	if err != nil {
		return nil, err
	}
	st := s.deps.Store
	if err := st.SetConfig(ctx, store.ConfigBossTokenHash, hash); err != nil {
		return nil, err
	}
	if err := st.SetConfig(ctx, store.ConfigBossName, p.BossName); err != nil {
		return nil, err
	}
	if p.Timezone != "" {
		if err := st.SetConfig(ctx, store.ConfigBossTimezone, p.Timezone); err != nil {
			return nil, err
		}
	}
	if err := st.SetConfig(ctx, store.ConfigSetupCompleted, "true"); err != nil {
		return nil, err
	}
	s.logger.Info("first-run setup completed")
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleBossVerify(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p tokenParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := s.deps.Policy.Authenticate(ctx, p.Token)
	if err != nil {
		if hberr.IsKind(err, hberr.KindAuth) {
			return map[string]any{"valid": false}, nil
		}
		return nil, err
	}
	return map[string]any{"valid": id.Boss}, nil
}

// --- envelopes ---

type envelopeSendParams struct {
	Token       string             `json:"token"`
	To          string             `json:"to"`
	Text        string             `json:"text,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	DeliverAt   string             `json:"deliverAt,omitempty"`
	ReplyTo     string             `json:"replyTo,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleEnvelopeSend(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p envelopeSendParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	env := &store.Envelope{
		To:       p.To,
		FromBoss: caller.Boss,
		Content:  store.Content{Text: p.Text, Attachments: p.Attachments},
		Metadata: map[string]any{},
	}
	if caller.Agent != nil {
		env.From = store.AddrAgentPrefix + caller.Agent.Name
	}
	for k, v := range p.Metadata {
		env.Metadata[k] = v
	}
	if p.DeliverAt != "" {
		at, err := timeutil.ParseDeliverAt(p.DeliverAt, s.deps.Clock.Now())
		if err != nil {
			return nil, hberr.Wrap(err, hberr.KindValidation, "invalid deliverAt")
		}
		env.DeliverAt = &at
	}
	if p.ReplyTo != "" {
		quoted, err := s.deps.Store.ResolveEnvelopeID(ctx, p.ReplyTo)
		if err != nil {
			return nil, err
		}
		env.Metadata[store.MetaReplyToEnvelopeID] = quoted.ID
	}
	if err := s.deps.Router.Send(ctx, env); err != nil {
		return nil, err
	}
	return map[string]any{"envelopeId": env.ID, "shortId": ids.Short(env.ID), "status": env.Status}, nil
}

type envelopeListParams struct {
	Token  string `json:"token"`
	Box    string `json:"box,omitempty"`    // inbox, outbox or all
	Status string `json:"status,omitempty"` // pending, done or empty
	Agent  string `json:"agent,omitempty"`  // boss only: scope to one agent
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) handleEnvelopeList(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p envelopeListParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Status != "" && p.Status != store.StatusPending && p.Status != store.StatusDone {
		return nil, hberr.New(hberr.KindValidation, "unknown status %q", p.Status)
	}
	box := p.Box
	if box == "" {
		box = "inbox"
	}

	subject := ""
	switch {
	case caller.Agent != nil:
		subject = store.AddrAgentPrefix + caller.Agent.Name
	case p.Agent != "":
		subject = store.AddrAgentPrefix + p.Agent
	}

	filter := store.EnvelopeFilter{Status: p.Status, Limit: p.Limit}
	switch box {
	case "inbox":
		filter.To = subject
	case "outbox":
		filter.From = subject
	case "all":
	default:
		return nil, hberr.New(hberr.KindValidation, "unknown box %q", box)
	}

	envs, err := s.deps.Store.ListEnvelopes(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, len(envs))
	for i, env := range envs {
		views[i] = envelopeView(env)
	}
	return map[string]any{"envelopes": views, "count": len(views)}, nil
}

type envelopeGetParams struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

func (s *Server) handleEnvelopeGet(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p envelopeGetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	env, err := s.deps.Store.ResolveEnvelopeID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return envelopeView(env), nil
}

func envelopeView(env *store.Envelope) map[string]any {
	view := map[string]any{
		"id":        env.ID,
		"shortId":   ids.Short(env.ID),
		"from":      env.From,
		"to":        env.To,
		"fromBoss":  env.FromBoss,
		"status":    env.Status,
		"createdAt": env.CreatedAt,
	}
	if env.Content.Text != "" {
		view["text"] = env.Content.Text
	}
	if len(env.Content.Attachments) > 0 {
		view["attachments"] = env.Content.Attachments
	}
	if env.DeliverAt != nil {
		view["deliverAt"] = *env.DeliverAt
	}
	if len(env.Metadata) > 0 {
		view["metadata"] = env.Metadata
	}
	return view
}

// --- cron ---

type cronCreateParams struct {
	Token       string             `json:"token"`
	AgentName   string             `json:"agentName,omitempty"` // boss callers name the owner
	Cron        string             `json:"cron"`
	To          string             `json:"to"`
	Text        string             `json:"text,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Timezone    string             `json:"timezone,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

func (s *Server) handleCronCreate(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p cronCreateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	owner := p.AgentName
	if caller.Agent != nil {
		owner = caller.Agent.Name
	}
	if owner == "" {
		return nil, hberr.New(hberr.KindValidation, "agentName is required")
	}
	if _, err := s.deps.Store.GetAgent(ctx, owner); err != nil {
		return nil, err
	}
	if err := s.validateCronDestination(ctx, caller, p.To); err != nil {
		return nil, err
	}
	if err := cronmat.ValidateSpec(p.Cron); err != nil {
		return nil, err
	}
	sched := &store.CronSchedule{
		AgentName: owner,
		Cron:      p.Cron,
		Enabled:   true,
		To:        p.To,
		Content:   store.Content{Text: p.Text, Attachments: p.Attachments},
		Metadata:  p.Metadata,
	}
	if p.Timezone != "" {
		if _, err := timeutil.LoadLocation(p.Timezone); err != nil {
			return nil, hberr.Wrap(err, hberr.KindValidation, "invalid timezone")
		}
		sched.Timezone = &p.Timezone
	}
	if err := s.deps.Store.CreateCronSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.deps.Cron.Trigger()
	return map[string]any{"cronId": sched.ID, "shortId": ids.Short(sched.ID)}, nil
}

// validateCronDestination applies the same destination rules as a direct send.
// Materialized envelopes skip the router's send path, so the checks run here:
// the address must be well formed, agent destinations must exist, and agent
// callers may only target channels of an adapter type they are bound to.
func (s *Server) validateCronDestination(ctx context.Context, caller *policy.Identity, to string) error {
	if name, ok := store.ParseAgentAddress(to); ok {
		_, err := s.deps.Store.GetAgent(ctx, name)
		return err
	}
	adapterType, _, ok := store.ParseChannelAddress(to)
	if !ok {
		return hberr.New(hberr.KindValidation, "destination %q is not an agent or channel address", to)
	}
	if caller.Agent != nil {
		if _, err := s.deps.Store.GetBindingForAgent(ctx, caller.Agent.Name, adapterType); err != nil {
			if hberr.IsKind(err, hberr.KindNotFound) {
				return hberr.New(hberr.KindPermissionDenied,
					"agent %s is not bound to adapter type %s", caller.Agent.Name, adapterType)
			}
			return err
		}
	}
	return nil
}

type cronListParams struct {
	Token     string `json:"token"`
	AgentName string `json:"agentName,omitempty"`
}

func (s *Server) handleCronList(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p cronListParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	owner := p.AgentName
	if caller.Agent != nil {
		owner = caller.Agent.Name
	}
	schedules, err := s.deps.Store.ListCronSchedules(ctx, owner)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, len(schedules))
	for i, sched := range schedules {
		views[i] = cronView(sched)
	}
	return map[string]any{"crons": views, "count": len(views)}, nil
}

type cronIDParams struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// resolveOwnedCron resolves the schedule and enforces that agent callers only
// touch their own schedules.
func (s *Server) resolveOwnedCron(ctx context.Context, caller *policy.Identity, idOrPrefix string) (*store.CronSchedule, error) {
	sched, err := s.deps.Store.ResolveCronID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if caller.Agent != nil && !strings.EqualFold(caller.Agent.Name, sched.AgentName) {
		return nil, hberr.New(hberr.KindPermissionDenied, "cron schedule %s belongs to agent %s", ids.Short(sched.ID), sched.AgentName)
	}
	return sched, nil
}

func (s *Server) handleCronGet(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p cronIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	sched, err := s.resolveOwnedCron(ctx, caller, p.ID)
	if err != nil {
		return nil, err
	}
	return cronView(sched), nil
}

func (s *Server) handleCronEnable(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	return s.setCronEnabled(ctx, caller, raw, true)
}

func (s *Server) handleCronDisable(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	return s.setCronEnabled(ctx, caller, raw, false)
}

func (s *Server) setCronEnabled(ctx context.Context, caller *policy.Identity, raw json.RawMessage, enabled bool) (any, error) {
	var p cronIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	sched, err := s.resolveOwnedCron(ctx, caller, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.SetCronEnabled(ctx, sched.ID, enabled); err != nil {
		return nil, err
	}
	if enabled {
		s.deps.Cron.Trigger()
	}
	return map[string]any{"cronId": sched.ID, "enabled": enabled}, nil
}

func (s *Server) handleCronDelete(ctx context.Context, caller *policy.Identity, raw json.RawMessage) (any, error) {
	var p cronIDParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	sched, err := s.resolveOwnedCron(ctx, caller, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.DeleteCronSchedule(ctx, sched.ID); err != nil {
		return nil, err
	}
	return map[string]any{"cronId": sched.ID, "deleted": true}, nil
}

func cronView(sched *store.CronSchedule) map[string]any {
	view := map[string]any{
		"id":        sched.ID,
		"shortId":   ids.Short(sched.ID),
		"agentName": sched.AgentName,
		"cron":      sched.Cron,
		"enabled":   sched.Enabled,
		"to":        sched.To,
		"createdAt": sched.CreatedAt,
	}
	if sched.Timezone != nil {
		view["timezone"] = *sched.Timezone
	}
	if sched.Content.Text != "" {
		view["text"] = sched.Content.Text
	}
	if sched.PendingEnvelopeID != nil {
		view["pendingEnvelopeId"] = *sched.PendingEnvelopeID
	}
	return view
}

// --- reactions ---

type reactionSetParams struct {
	Token      string `json:"token"`
	EnvelopeID string `json:"envelopeId"`
	Emoji      string `json:"emoji"`
}

func (s *Server) handleReactionSet(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p reactionSetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Emoji == "" {
		return nil, hberr.New(hberr.KindValidation, "emoji is required")
	}
	env, err := s.deps.Store.ResolveEnvelopeID(ctx, p.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Bridge.SetReaction(ctx, env, p.Emoji); err != nil {
		return nil, err
	}
	return map[string]any{"envelopeId": env.ID, "ok": true}, nil
}

// --- agent admin ---

type agentRegisterParams struct {
	Token           string `json:"token"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Workspace       string `json:"workspace,omitempty"`
	Provider        string `json:"provider"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	PermissionLevel string `json:"permissionLevel,omitempty"`
}

func (s *Server) handleAgentRegister(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentRegisterParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent := &store.Agent{
		Name:        p.Name,
		Token:       ids.New(),
		Description: p.Description,
		Workspace:   p.Workspace,
		Provider:    p.Provider,
	}
	if p.Model != "" {
		agent.Model = &p.Model
	}
	if p.ReasoningEffort != "" {
		if !store.ValidReasoningEffort(p.ReasoningEffort) {
			return nil, hberr.New(hberr.KindValidation, "unknown reasoning effort %q", p.ReasoningEffort)
		}
		agent.ReasoningEffort = &p.ReasoningEffort
	}
	if p.PermissionLevel != "" {
		if !store.ValidLevel(p.PermissionLevel) {
			return nil, hberr.New(hberr.KindValidation, "unknown permission level %q", p.PermissionLevel)
		}
		agent.PermissionLevel = p.PermissionLevel
	}
	if err := s.deps.Store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	for _, dir := range []string{s.deps.Config.AgentDir(agent.Name), s.deps.Config.AgentMemoryDir(agent.Name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn("failed to create agent directory: " + err.Error())
		}
	}
	// The token is only shown once, at registration.
	return map[string]any{"name": agent.Name, "token": agent.Token, "permissionLevel": agent.PermissionLevel}, nil
}

type agentSetParams struct {
	Token                string         `json:"token"`
	Name                 string         `json:"name"`
	Description          *string        `json:"description,omitempty"`
	Workspace            *string        `json:"workspace,omitempty"`
	Model                *string        `json:"model,omitempty"`
	ClearModel           bool           `json:"clearModel,omitempty"`
	ReasoningEffort      *string        `json:"reasoningEffort,omitempty"`
	ClearReasoningEffort bool           `json:"clearReasoningEffort,omitempty"`
	PermissionLevel      *string        `json:"permissionLevel,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	ClearMetadata        bool           `json:"clearMetadata,omitempty"`
}

func (s *Server) handleAgentSet(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentSetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.UpdateAgent(ctx, p.Name, store.AgentUpdate{
		Description:          p.Description,
		Workspace:            p.Workspace,
		Model:                p.Model,
		ClearModel:           p.ClearModel,
		ReasoningEffort:      p.ReasoningEffort,
		ClearReasoningEffort: p.ClearReasoningEffort,
		PermissionLevel:      p.PermissionLevel,
	})
	if err != nil {
		return nil, err
	}
	if p.ClearMetadata {
		if err := s.deps.Store.ReplaceAgentMetadata(ctx, p.Name, nil); err != nil {
			return nil, err
		}
	} else if p.Metadata != nil {
		if err := s.deps.Store.ReplaceAgentMetadata(ctx, p.Name, p.Metadata); err != nil {
			return nil, err
		}
	}
	return agentView(agent), nil
}

func (s *Server) handleAgentList(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	agents, err := s.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, len(agents))
	for i, agent := range agents {
		views[i] = agentView(agent)
	}
	return map[string]any{"agents": views, "count": len(views)}, nil
}

type agentBindParams struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

func (s *Server) handleAgentBind(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentBindParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AdapterType == "" || p.AdapterToken == "" {
		return nil, hberr.New(hberr.KindValidation, "adapterType and adapterToken are required")
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	// Bindings reference the agent row by exact name; use the stored spelling,
	// not the caller's.
	binding := &store.AgentBinding{
		AgentName:    agent.Name,
		AdapterType:  p.AdapterType,
		AdapterToken: p.AdapterToken,
	}
	if err := s.deps.Store.CreateBinding(ctx, binding); err != nil {
		return nil, err
	}
	if err := s.deps.Store.SetAgentRole(ctx, agent.Name, store.RoleSpeaker); err != nil {
		return nil, err
	}
	return map[string]any{"bindingId": binding.ID, "agentName": agent.Name, "adapterType": p.AdapterType}, nil
}

type agentUnbindParams struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	AdapterType string `json:"adapterType"`
}

func (s *Server) handleAgentUnbind(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentUnbindParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.DeleteBinding(ctx, agent.Name, p.AdapterType); err != nil {
		return nil, err
	}
	remaining, err := s.deps.Store.ListBindings(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		if err := s.deps.Store.SetAgentRole(ctx, agent.Name, store.RoleLeader); err != nil {
			return nil, err
		}
	}
	return map[string]any{"agentName": agent.Name, "adapterType": p.AdapterType, "unbound": true}, nil
}

type agentNameParams struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

func (s *Server) handleAgentStatus(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentNameParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	queued, err := s.deps.Store.CountDuePendingForAgent(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	status := map[string]any{
		"name":            agent.Name,
		"running":         s.deps.Executor.IsRunning(agent.Name),
		"queuedEnvelopes": queued,
		"sessionOpen":     agent.SessionHandle() != "",
	}
	lastRun, err := s.deps.Store.LastRunForAgent(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	if lastRun != nil {
		runView := map[string]any{
			"id":        lastRun.ID,
			"shortId":   ids.Short(lastRun.ID),
			"status":    lastRun.Status,
			"startedAt": lastRun.StartedAt,
			"envelopes": len(lastRun.EnvelopeIDs),
		}
		if lastRun.CompletedAt != nil {
			runView["completedAt"] = *lastRun.CompletedAt
		}
		if lastRun.ContextLength != nil {
			runView["contextLength"] = *lastRun.ContextLength
		}
		if lastRun.Error != nil {
			runView["error"] = *lastRun.Error
		}
		status["lastRun"] = runView
	}
	return status, nil
}

func (s *Server) handleAgentRefresh(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentNameParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	s.deps.Executor.RequestRefresh(agent.Name)
	return map[string]any{"agentName": agent.Name, "refreshQueued": true}, nil
}

type agentAbortParams struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	ClearPending bool   `json:"clearPending,omitempty"`
}

func (s *Server) handleAgentAbort(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentAbortParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	aborted, cleared, err := s.deps.Executor.Abort(ctx, agent.Name, p.ClearPending)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agentName":        agent.Name,
		"runCancelled":     aborted,
		"envelopesCleared": len(cleared),
	}, nil
}

func (s *Server) handleAgentDelete(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p agentNameParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	agent, err := s.deps.Store.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	s.deps.Executor.Remove(agent.Name)
	if err := s.deps.Store.DeleteAgent(ctx, agent.Name); err != nil {
		return nil, err
	}
	return map[string]any{"agentName": agent.Name, "deleted": true}, nil
}

func (s *Server) handleAgentSelf(_ context.Context, caller *policy.Identity, _ json.RawMessage) (any, error) {
	if caller.Agent == nil {
		return nil, hberr.New(hberr.KindValidation, "agent.self requires an agent token")
	}
	return agentView(caller.Agent), nil
}

type sessionPolicySetParams struct {
	Token            string `json:"token"`
	Name             string `json:"name"`
	DailyResetAt     string `json:"dailyResetAt,omitempty"`
	IdleTimeout      string `json:"idleTimeout,omitempty"`
	MaxContextLength int64  `json:"maxContextLength,omitempty"`
	Clear            bool   `json:"clear,omitempty"`
}

func (s *Server) handleSessionPolicySet(ctx context.Context, _ *policy.Identity, raw json.RawMessage) (any, error) {
	var p sessionPolicySetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.deps.Store.GetAgent(ctx, p.Name); err != nil {
		return nil, err
	}
	if p.Clear {
		if err := s.deps.Store.SetSessionPolicy(ctx, p.Name, nil); err != nil {
			return nil, err
		}
		return map[string]any{"agentName": p.Name, "sessionPolicy": nil}, nil
	}
	pol := &store.SessionPolicy{
		DailyResetAt:     p.DailyResetAt,
		IdleTimeout:      p.IdleTimeout,
		MaxContextLength: p.MaxContextLength,
	}
	if pol.DailyResetAt != "" {
		if _, _, err := timeutil.ParseClockTime(pol.DailyResetAt); err != nil {
			return nil, hberr.Wrap(err, hberr.KindValidation, "invalid dailyResetAt")
		}
	}
	if pol.IdleTimeout != "" {
		if _, err := timeutil.ParseIdleTimeout(pol.IdleTimeout); err != nil {
			return nil, hberr.Wrap(err, hberr.KindValidation, "invalid idleTimeout")
		}
	}
	if pol.MaxContextLength < 0 {
		return nil, hberr.New(hberr.KindValidation, "maxContextLength must be non-negative")
	}
	if pol.DailyResetAt == "" && pol.IdleTimeout == "" && pol.MaxContextLength == 0 {
		return nil, hberr.New(hberr.KindValidation, "session policy must set at least one field")
	}
	if err := s.deps.Store.SetSessionPolicy(ctx, p.Name, pol); err != nil {
		return nil, err
	}
	return map[string]any{"agentName": p.Name, "sessionPolicy": pol}, nil
}

func agentView(agent *store.Agent) map[string]any {
	view := map[string]any{
		"name":            agent.Name,
		"provider":        agent.Provider,
		"permissionLevel": agent.PermissionLevel,
		"createdAt":       agent.CreatedAt,
	}
	if agent.Description != "" {
		view["description"] = agent.Description
	}
	if agent.Workspace != "" {
		view["workspace"] = agent.Workspace
	}
	if agent.Model != nil {
		view["model"] = *agent.Model
	}
	if agent.ReasoningEffort != nil {
		view["reasoningEffort"] = *agent.ReasoningEffort
	}
	if agent.SessionPolicy != nil {
		view["sessionPolicy"] = agent.SessionPolicy
	}
	if agent.LastSeenAt != nil {
		view["lastSeenAt"] = *agent.LastSeenAt
	}
	if len(agent.Metadata) > 0 {
		view["metadata"] = agent.Metadata
	}
	return view
}

// --- daemon ---

func (s *Server) handleDaemonStatus(ctx context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	agents, err := s.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var adapters []string
	if s.deps.Adapters != nil {
		adapters = s.deps.Adapters()
	}
	return map[string]any{
		"running":  true,
		"version":  s.deps.Version,
		"dataDir":  s.deps.Config.Home,
		"socket":   s.deps.Config.SocketPath(),
		"adapters": adapters,
		"agents":   len(agents),
		"uptimeMs": time.Since(s.deps.StartedAt).Milliseconds(),
	}, nil
}

func (s *Server) handleDaemonStart(_ context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	// Reaching this handler means the daemon is already up.
	return map[string]any{"running": true}, nil
}

func (s *Server) handleDaemonStop(_ context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	s.logger.Info("shutdown requested over rpc")
	if s.deps.Shutdown != nil {
		go s.deps.Shutdown()
	}
	return map[string]any{"stopping": true}, nil
}

func (s *Server) handleDaemonPing(_ context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "now": timeutil.NowMillis(s.deps.Clock)}, nil
}

func (s *Server) handleDaemonTime(ctx context.Context, _ *policy.Identity, _ json.RawMessage) (any, error) {
	tz, err := s.deps.Store.BossTimezone(ctx)
	if err != nil {
		return nil, err
	}
	loc, err := timeutil.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}
	now := s.deps.Clock.Now()
	return map[string]any{
		"now":      timeutil.ToMillis(now),
		"nowIso":   now.In(loc).Format("2006-01-02T15:04:05-07:00"),
		"timezone": tz,
	}, nil
}
