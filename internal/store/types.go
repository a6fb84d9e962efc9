package store

import "regexp"

// Provider names accepted for agents.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
)

// Permission levels, ordered restricted < standard < privileged < boss.
const (
	LevelRestricted = "restricted"
	LevelStandard   = "standard"
	LevelPrivileged = "privileged"
	LevelBoss       = "boss"
)

// Envelope statuses. Done is terminal.
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

// AgentRun statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Reserved metadata keys.
const (
	// MetaSessionHandle on agents is owned by the daemon (provider resume handle).
	MetaSessionHandle = "sessionHandle"
	// MetaSessionOpenedAt records when the current provider session was opened.
	MetaSessionOpenedAt = "sessionOpenedAt"
	// MetaRole on agents records speaker/leader classification.
	MetaRole = "role"
	// MetaCronScheduleID links a materialized envelope back to its schedule.
	MetaCronScheduleID = "cronScheduleId"
	// MetaReplyToEnvelopeID carries the reply/quote pointer.
	MetaReplyToEnvelopeID = "replyToEnvelopeId"
	// MetaPlatformMessageID carries the channel platform's native message id.
	MetaPlatformMessageID = "platformMessageId"
	// MetaSender carries the channel author's display name for channel envelopes.
	MetaSender = "sender"
	// Delivery post-mortem keys written by the router on channel failures.
	MetaLastDeliveryErrorAt      = "lastDeliveryErrorAt"
	MetaLastDeliveryErrorKind    = "lastDeliveryErrorKind"
	MetaLastDeliveryErrorMessage = "lastDeliveryErrorMessage"
)

// Agent roles stored under MetaRole.
const (
	RoleSpeaker = "speaker"
	RoleLeader  = "leader"
)

// Reserved config keys.
const (
	ConfigSchemaVersion    = "schema_version"
	ConfigSetupCompleted   = "setup_completed"
	ConfigBossTokenHash    = "boss_token_hash"
	ConfigBossName         = "boss_name"
	ConfigBossTimezone     = "boss_timezone"
	ConfigPermissionPolicy = "permission_policy"
	// ConfigAdapterBossIDPrefix + platform holds the boss's chat identity there.
	ConfigAdapterBossIDPrefix = "adapter_boss_id_"
)

// ReservedAgentName cannot be registered.
const ReservedAgentName = "background"

// AgentNameRe validates agent names: alphanumeric runs joined by single hyphens.
var AgentNameRe = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)

// SessionPolicy controls when an agent's provider session is refreshed.
// All fields optional; evaluated in declaration order, first trigger wins.
type SessionPolicy struct {
	DailyResetAt     string `json:"dailyResetAt,omitempty"`     // local HH:MM
	IdleTimeout      string `json:"idleTimeout,omitempty"`      // duration, units d/h/m/s
	MaxContextLength int64  `json:"maxContextLength,omitempty"` // tokens
}

// Agent is a named, tokened, provider-driven worker.
type Agent struct {
	Name            string         `json:"name"`
	Token           string         `json:"token"`
	Description     string         `json:"description,omitempty"`
	Workspace       string         `json:"workspace,omitempty"`
	Provider        string         `json:"provider"`
	Model           *string        `json:"model,omitempty"`
	ReasoningEffort *string        `json:"reasoningEffort,omitempty"`
	PermissionLevel string         `json:"permissionLevel"`
	SessionPolicy   *SessionPolicy `json:"sessionPolicy,omitempty"`
	CreatedAt       uint64         `json:"createdAt"`
	LastSeenAt      *uint64        `json:"lastSeenAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SessionHandle returns the persisted provider resume handle, if any.
func (a *Agent) SessionHandle() string {
	if a.Metadata == nil {
		return ""
	}
	if h, ok := a.Metadata[MetaSessionHandle].(string); ok {
		return h
	}
	return ""
}

// SessionOpenedAt returns when the current provider session was opened, or 0.
func (a *Agent) SessionOpenedAt() uint64 {
	if a.Metadata == nil {
		return 0
	}
	// JSON numbers decode as float64.
	if v, ok := a.Metadata[MetaSessionOpenedAt].(float64); ok {
		return uint64(v)
	}
	return 0
}

// AgentBinding associates an agent with one adapter credential.
type AgentBinding struct {
	ID           string `json:"id"`
	AgentName    string `json:"agentName"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
	CreatedAt    uint64 `json:"createdAt"`
}

// Attachment references a file carried by an envelope. Source is a filesystem
// path, URL, or opaque adapter file id.
type Attachment struct {
	Source        string `json:"source"`
	Filename      string `json:"filename,omitempty"`
	AdapterFileID string `json:"adapterFileId,omitempty"`
}

// Content is the payload of an envelope or cron template.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Envelope is the durable, addressed message record.
type Envelope struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	FromBoss  bool           `json:"fromBoss"`
	Content   Content        `json:"content"`
	DeliverAt *uint64        `json:"deliverAt,omitempty"`
	Status    string         `json:"status"`
	CreatedAt uint64         `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EffectiveDeliveryTime orders envelopes: deliverAt when set, createdAt
// otherwise. Ties are broken by createdAt at query time.
func (e *Envelope) EffectiveDeliveryTime() uint64 {
	if e.DeliverAt != nil {
		return *e.DeliverAt
	}
	return e.CreatedAt
}

// CronScheduleID returns the owning schedule id for materialized envelopes.
func (e *Envelope) CronScheduleID() string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata[MetaCronScheduleID].(string); ok {
		return id
	}
	return ""
}

// CronSchedule converts a cron expression into envelopes, one occurrence at a
// time.
type CronSchedule struct {
	ID                string         `json:"id"`
	AgentName         string         `json:"agentName"`
	Cron              string         `json:"cron"`
	Timezone          *string        `json:"timezone,omitempty"`
	Enabled           bool           `json:"enabled"`
	To                string         `json:"to"`
	Content           Content        `json:"content"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	PendingEnvelopeID *string        `json:"pendingEnvelopeId,omitempty"`
	CreatedAt         uint64         `json:"createdAt"`
	UpdatedAt         uint64         `json:"updatedAt"`
}

// AgentRun is the audit record of one provider turn.
type AgentRun struct {
	ID            string   `json:"id"`
	AgentName     string   `json:"agentName"`
	StartedAt     uint64   `json:"startedAt"`
	CompletedAt   *uint64  `json:"completedAt,omitempty"`
	EnvelopeIDs   []string `json:"envelopeIds"`
	FinalResponse *string  `json:"finalResponse,omitempty"`
	ContextLength *int64   `json:"contextLength,omitempty"`
	Status        string   `json:"status"`
	Error         *string  `json:"error,omitempty"`
}

// LevelRank orders permission levels for comparison. Unknown levels rank
// above boss so they can never be satisfied.
func LevelRank(level string) int {
	switch level {
	case LevelRestricted:
		return 0
	case LevelStandard:
		return 1
	case LevelPrivileged:
		return 2
	case LevelBoss:
		return 3
	default:
		return 4
	}
}

// ValidLevel reports whether level is a known permission level.
func ValidLevel(level string) bool {
	return LevelRank(level) <= 3
}

// ValidProvider reports whether p is a known provider.
func ValidProvider(p string) bool {
	return p == ProviderClaude || p == ProviderCodex
}

// ValidReasoningEffort reports whether e is an accepted reasoning effort.
func ValidReasoningEffort(e string) bool {
	switch e {
	case "none", "low", "medium", "high", "xhigh":
		return true
	}
	return false
}
