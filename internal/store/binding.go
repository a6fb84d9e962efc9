package store

import (
	"context"
	"database/sql"

	"github.com/hiboss/hiboss/internal/common/ids"
	"github.com/hiboss/hiboss/internal/hberr"
)

// CreateBinding associates an agent with an adapter credential. One credential
// binds one agent globally; an agent holds at most one binding per adapter
// type.
func (s *Store) CreateBinding(ctx context.Context, binding *AgentBinding) error {
	if binding.AdapterType == "" || binding.AdapterToken == "" {
		return hberr.New(hberr.KindValidation, "binding requires adapter type and token")
	}
	if binding.ID == "" {
		binding.ID = ids.New()
	}
	binding.CreatedAt = s.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_bindings (id, agent_name, adapter_type, adapter_token, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, binding.ID, binding.AgentName, binding.AdapterType, binding.AdapterToken, binding.CreatedAt)
	if isUniqueViolation(err) {
		return hberr.New(hberr.KindConflict, "adapter credential already bound or agent already has a %s binding", binding.AdapterType)
	}
	return err
}

const bindingColumns = `id, agent_name, adapter_type, adapter_token, created_at`

func scanBinding(row rowScanner) (*AgentBinding, error) {
	var b AgentBinding
	err := row.Scan(&b.ID, &b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBindingByCredential resolves an inbound (adapterType, adapterToken) pair
// to its binding.
func (s *Store) GetBindingByCredential(ctx context.Context, adapterType, adapterToken string) (*AgentBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM agent_bindings WHERE adapter_type = ? AND adapter_token = ?`,
		adapterType, adapterToken)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, hberr.New(hberr.KindNotFound, "no binding for adapter credential")
	}
	return b, err
}

// GetBindingForAgent returns the agent's binding of the given adapter type.
func (s *Store) GetBindingForAgent(ctx context.Context, agentName, adapterType string) (*AgentBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?`,
		agentName, adapterType)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, hberr.New(hberr.KindNotFound, "agent %s has no %s binding", agentName, adapterType)
	}
	return b, err
}

// ListBindings returns bindings, optionally restricted to one agent.
func (s *Store) ListBindings(ctx context.Context, agentName string) ([]*AgentBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM agent_bindings`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bindings []*AgentBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// DeleteBinding removes the agent's binding of the given adapter type.
func (s *Store) DeleteBinding(ctx context.Context, agentName, adapterType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?`, agentName, adapterType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "agent %s has no %s binding", agentName, adapterType)
	}
	return nil
}
