package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/hiboss/hiboss/internal/hberr"
)

// CreateAgent validates and persists a new agent.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	if err := validateAgentName(agent.Name); err != nil {
		return err
	}
	if agent.Token == "" {
		return hberr.New(hberr.KindValidation, "agent token must not be empty")
	}
	if !ValidProvider(agent.Provider) {
		return hberr.New(hberr.KindValidation, "unknown provider %q", agent.Provider)
	}
	if agent.PermissionLevel == "" {
		agent.PermissionLevel = LevelStandard
	}
	if !ValidLevel(agent.PermissionLevel) {
		return hberr.New(hberr.KindValidation, "unknown permission level %q", agent.PermissionLevel)
	}
	if agent.ReasoningEffort != nil && !ValidReasoningEffort(*agent.ReasoningEffort) {
		return hberr.New(hberr.KindValidation, "unknown reasoning effort %q", *agent.ReasoningEffort)
	}
	agent.CreatedAt = s.Now()

	policy, err := marshalPolicy(agent.SessionPolicy)
	if err != nil {
		return hberr.Wrap(err, hberr.KindValidation, "invalid session policy")
	}
	metadata := marshalMap(agent.Metadata)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (name, name_lower, token, description, workspace, provider, model, reasoning_effort, permission_level, session_policy, created_at, last_seen_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.Name, strings.ToLower(agent.Name), agent.Token, agent.Description, agent.Workspace,
		agent.Provider, agent.Model, agent.ReasoningEffort, agent.PermissionLevel, policy,
		agent.CreatedAt, agent.LastSeenAt, metadata)
	if isUniqueViolation(err) {
		return hberr.New(hberr.KindConflict, "agent name %q or token already in use", agent.Name)
	}
	return err
}

// GetAgent looks an agent up by name, case-insensitively.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	return s.getAgentWhere(ctx, `name_lower = ?`, strings.ToLower(name))
}

// GetAgentByToken looks an agent up by its exact (case-sensitive) token.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	return s.getAgentWhere(ctx, `token = ?`, token)
}

func (s *Store) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, token, description, workspace, provider, model, reasoning_effort, permission_level, session_policy, created_at, last_seen_at, metadata
		FROM agents WHERE `+where, arg)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, hberr.New(hberr.KindNotFound, "agent not found")
	}
	return agent, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		agent      Agent
		policy     sql.NullString
		metadata   string
		model      sql.NullString
		effort     sql.NullString
		lastSeenAt sql.NullInt64
	)
	err := row.Scan(&agent.Name, &agent.Token, &agent.Description, &agent.Workspace,
		&agent.Provider, &model, &effort, &agent.PermissionLevel, &policy,
		&agent.CreatedAt, &lastSeenAt, &metadata)
	if err != nil {
		return nil, err
	}
	if model.Valid {
		agent.Model = &model.String
	}
	if effort.Valid {
		agent.ReasoningEffort = &effort.String
	}
	if lastSeenAt.Valid {
		v := uint64(lastSeenAt.Int64)
		agent.LastSeenAt = &v
	}
	if policy.Valid && policy.String != "" {
		var p SessionPolicy
		if err := json.Unmarshal([]byte(policy.String), &p); err == nil {
			agent.SessionPolicy = &p
		}
	}
	_ = json.Unmarshal([]byte(metadata), &agent.Metadata)
	return &agent, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, token, description, workspace, provider, model, reasoning_effort, permission_level, session_policy, created_at, last_seen_at, metadata
		FROM agents ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// AgentUpdate carries the mutable agent fields. Nil pointer fields are left
// untouched; ClearModel/ClearReasoningEffort null the respective columns.
type AgentUpdate struct {
	Description          *string
	Workspace            *string
	Model                *string
	ClearModel           bool
	ReasoningEffort      *string
	ClearReasoningEffort bool
	PermissionLevel      *string
}

// UpdateAgent applies a partial update.
func (s *Store) UpdateAgent(ctx context.Context, name string, update AgentUpdate) (*Agent, error) {
	agent, err := s.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if update.Description != nil {
		agent.Description = *update.Description
	}
	if update.Workspace != nil {
		agent.Workspace = *update.Workspace
	}
	if update.ClearModel {
		agent.Model = nil
	} else if update.Model != nil {
		agent.Model = update.Model
	}
	if update.ClearReasoningEffort {
		agent.ReasoningEffort = nil
	} else if update.ReasoningEffort != nil {
		if !ValidReasoningEffort(*update.ReasoningEffort) {
			return nil, hberr.New(hberr.KindValidation, "unknown reasoning effort %q", *update.ReasoningEffort)
		}
		agent.ReasoningEffort = update.ReasoningEffort
	}
	if update.PermissionLevel != nil {
		if !ValidLevel(*update.PermissionLevel) {
			return nil, hberr.New(hberr.KindValidation, "unknown permission level %q", *update.PermissionLevel)
		}
		agent.PermissionLevel = *update.PermissionLevel
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET description = ?, workspace = ?, model = ?, reasoning_effort = ?, permission_level = ?
		WHERE name = ?
	`, agent.Description, agent.Workspace, agent.Model, agent.ReasoningEffort, agent.PermissionLevel, agent.Name)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// SetSessionPolicy replaces the agent's session policy. A nil policy clears it.
func (s *Store) SetSessionPolicy(ctx context.Context, name string, policy *SessionPolicy) error {
	value, err := marshalPolicy(policy)
	if err != nil {
		return hberr.Wrap(err, hberr.KindValidation, "invalid session policy")
	}
	return s.execOnAgent(ctx, name, `UPDATE agents SET session_policy = ? WHERE name_lower = ?`, value)
}

// TouchAgentLastSeen updates the agent's lastSeenAt to now.
func (s *Store) TouchAgentLastSeen(ctx context.Context, name string) error {
	return s.execOnAgent(ctx, name, `UPDATE agents SET last_seen_at = ? WHERE name_lower = ?`, s.Now())
}

// SetAgentSession surgically writes the reserved session keys (resume handle
// and open time) without touching user metadata keys.
func (s *Store) SetAgentSession(ctx context.Context, name, handle string, openedAt uint64) error {
	return s.execOnAgent(ctx, name, `
		UPDATE agents SET metadata = json_set(metadata,
			'$.`+MetaSessionHandle+`', ?,
			'$.`+MetaSessionOpenedAt+`', ?)
		WHERE name_lower = ?`, handle, openedAt)
}

// ClearAgentSession surgically removes the reserved session keys, forcing a
// fresh provider session on the next spawn.
func (s *Store) ClearAgentSession(ctx context.Context, name string) error {
	return s.execOnAgent(ctx, name, `
		UPDATE agents SET metadata = json_remove(metadata,
			'$.`+MetaSessionHandle+`', '$.`+MetaSessionOpenedAt+`')
		WHERE name_lower = ?`)
}

// SetAgentRole surgically writes the reserved role metadata key.
func (s *Store) SetAgentRole(ctx context.Context, name, role string) error {
	return s.execOnAgent(ctx, name,
		`UPDATE agents SET metadata = json_set(metadata, '$.`+MetaRole+`', ?) WHERE name_lower = ?`, role)
}

// ReplaceAgentMetadata replaces the agent's user metadata while preserving the
// reserved session keys. A nil metadata clears all user keys.
func (s *Store) ReplaceAgentMetadata(ctx context.Context, name string, metadata map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT metadata FROM agents WHERE name_lower = ?`, strings.ToLower(name)).Scan(&current)
		if err == sql.ErrNoRows {
			return hberr.New(hberr.KindNotFound, "agent not found")
		}
		if err != nil {
			return err
		}
		var existing map[string]any
		_ = json.Unmarshal([]byte(current), &existing)

		replacement := make(map[string]any, len(metadata)+2)
		for k, v := range metadata {
			if k == MetaSessionHandle || k == MetaSessionOpenedAt {
				continue
			}
			replacement[k] = v
		}
		for _, reserved := range []string{MetaSessionHandle, MetaSessionOpenedAt} {
			if v, ok := existing[reserved]; ok {
				replacement[reserved] = v
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET metadata = ? WHERE name_lower = ?`,
			marshalMap(replacement), strings.ToLower(name))
		return err
	})
}

// DeleteAgent removes the agent; bindings and cron schedules cascade.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name_lower = ?`, strings.ToLower(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "agent not found")
	}
	return nil
}

// execOnAgent runs a single-agent UPDATE where the last placeholder is the
// lowercased name, translating zero affected rows to not-found.
func (s *Store) execOnAgent(ctx context.Context, name, query string, args ...any) error {
	args = append(args, strings.ToLower(name))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "agent not found")
	}
	return nil
}

func validateAgentName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return hberr.New(hberr.KindValidation, "agent name must be 1-64 characters")
	}
	if !AgentNameRe.MatchString(name) {
		return hberr.New(hberr.KindValidation, "agent name %q must be alphanumeric segments joined by single hyphens", name)
	}
	if strings.EqualFold(name, ReservedAgentName) {
		return hberr.New(hberr.KindValidation, "agent name %q is reserved", name)
	}
	return nil
}

func marshalPolicy(p *SessionPolicy) (*string, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func marshalMap(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
