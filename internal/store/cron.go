package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hiboss/hiboss/internal/common/ids"
	"github.com/hiboss/hiboss/internal/hberr"
)

// CreateCronSchedule persists a new schedule. Reply/quote metadata keys are
// stripped so scheduled messages never inherit quoting semantics.
func (s *Store) CreateCronSchedule(ctx context.Context, sched *CronSchedule) error {
	if sched.AgentName == "" {
		return hberr.New(hberr.KindValidation, "cron schedule requires an owning agent")
	}
	if !ValidAddress(sched.To) {
		return hberr.New(hberr.KindValidation, "invalid destination address %q", sched.To)
	}
	if sched.ID == "" {
		sched.ID = ids.New()
	}
	now := s.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.Metadata = stripReplyMetadata(sched.Metadata)

	content, err := json.Marshal(sched.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, agent_name, cron, timezone, enabled, to_addr, content, metadata, pending_envelope_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.AgentName, sched.Cron, sched.Timezone, sched.Enabled, sched.To,
		string(content), marshalMap(sched.Metadata), sched.PendingEnvelopeID, sched.CreatedAt, sched.UpdatedAt)
	if isUniqueViolation(err) {
		return hberr.New(hberr.KindConflict, "cron schedule %s already exists", sched.ID)
	}
	return err
}

const cronColumns = `id, agent_name, cron, timezone, enabled, to_addr, content, metadata, pending_envelope_id, created_at, updated_at`

func scanCron(row rowScanner) (*CronSchedule, error) {
	var (
		sched     CronSchedule
		timezone  sql.NullString
		content   string
		metadata  string
		pendingID sql.NullString
	)
	err := row.Scan(&sched.ID, &sched.AgentName, &sched.Cron, &timezone, &sched.Enabled,
		&sched.To, &content, &metadata, &pendingID, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if timezone.Valid {
		sched.Timezone = &timezone.String
	}
	if pendingID.Valid {
		sched.PendingEnvelopeID = &pendingID.String
	}
	_ = json.Unmarshal([]byte(content), &sched.Content)
	_ = json.Unmarshal([]byte(metadata), &sched.Metadata)
	return &sched, nil
}

// GetCronSchedule retrieves a schedule by full ID.
func (s *Store) GetCronSchedule(ctx context.Context, id string) (*CronSchedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronColumns+` FROM cron_schedules WHERE id = ?`, id)
	sched, err := scanCron(row)
	if err == sql.ErrNoRows {
		return nil, hberr.New(hberr.KindNotFound, "cron schedule not found").WithData("cron-id", id)
	}
	return sched, err
}

// ResolveCronID resolves a full ID or short-ID prefix to one schedule.
func (s *Store) ResolveCronID(ctx context.Context, idOrPrefix string) (*CronSchedule, error) {
	if ids.IsValid(idOrPrefix) {
		return s.GetCronSchedule(ctx, idOrPrefix)
	}
	prefix := strings.ToLower(strings.ReplaceAll(idOrPrefix, "-", ""))
	if prefix == "" {
		return nil, hberr.New(hberr.KindValidation, "empty cron id")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronColumns+` FROM cron_schedules
		WHERE replace(lower(id), '-', '') LIKE ? ESCAPE '\'
		ORDER BY created_at`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []*CronSchedule
	for rows.Next() {
		sched, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, hberr.New(hberr.KindNotFound, "cron schedule not found").WithData("cron-id", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		candidates := make([]map[string]any, len(matches))
		for i, m := range matches {
			candidates[i] = map[string]any{"id": m.ID, "createdAt": m.CreatedAt}
		}
		return nil, hberr.New(hberr.KindAmbiguousPrefix, "prefix %q matches %d cron schedules", idOrPrefix, len(matches)).
			WithData("candidates", candidates)
	}
}

// ListCronSchedules returns schedules, optionally restricted to one agent,
// oldest first.
func (s *Store) ListCronSchedules(ctx context.Context, agentName string) ([]*CronSchedule, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_schedules`
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

	var schedules []*CronSchedule
	for rows.Next() {
		sched, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ListEnabledCronSchedules returns enabled schedules in creation order, which
// is the tie-break order when two schedules share a next occurrence.
func (s *Store) ListEnabledCronSchedules(ctx context.Context) ([]*CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var schedules []*CronSchedule
	for rows.Next() {
		sched, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// SetCronEnabled toggles a schedule.
func (s *Store) SetCronEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_schedules SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, s.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "cron schedule not found").WithData("cron-id", id)
	}
	return nil
}

// DeleteCronSchedule removes a schedule. Its already-materialized envelope,
// if any, is left in place (envelopes are never deleted by normal operation).
func (s *Store) DeleteCronSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "cron schedule not found").WithData("cron-id", id)
	}
	return nil
}

// MaterializeCronEnvelope creates the schedule's next-occurrence envelope and
// points pendingEnvelopeId at it in one transaction.
func (s *Store) MaterializeCronEnvelope(ctx context.Context, sched *CronSchedule, env *Envelope) error {
	if env.ID == "" {
		env.ID = ids.New()
	}
	if env.Status == "" {
		env.Status = StatusPending
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = s.Now()
	}
	content, err := json.Marshal(env.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO envelopes (id, from_addr, to_addr, from_boss, content, deliver_at, status, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, env.ID, env.From, env.To, env.FromBoss, string(content), env.DeliverAt, env.Status, env.CreatedAt, marshalMap(env.Metadata))
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE cron_schedules SET pending_envelope_id = ?, updated_at = ? WHERE id = ?`,
			env.ID, s.Now(), sched.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return hberr.New(hberr.KindNotFound, "cron schedule not found").WithData("cron-id", sched.ID)
		}
		sched.PendingEnvelopeID = &env.ID
		return nil
	})
}

// stripReplyMetadata removes reserved reply/quote keys from a cron template.
func stripReplyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cleaned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if k == MetaReplyToEnvelopeID || k == MetaPlatformMessageID {
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}
