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

// Address schemes.
const (
	AddrAgentPrefix   = "agent:"
	AddrChannelPrefix = "channel:"
)

// ParseChannelAddress splits "channel:<adapter-type>:<chat-id>" into its parts.
func ParseChannelAddress(addr string) (adapterType, chatID string, ok bool) {
	if !strings.HasPrefix(addr, AddrChannelPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(addr, AddrChannelPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseAgentAddress extracts the agent name from "agent:<name>".
func ParseAgentAddress(addr string) (name string, ok bool) {
	if !strings.HasPrefix(addr, AddrAgentPrefix) {
		return "", false
	}
	name = strings.TrimPrefix(addr, AddrAgentPrefix)
	return name, name != ""
}

// ValidAddress reports whether addr uses a known scheme.
func ValidAddress(addr string) bool {
	if _, ok := ParseAgentAddress(addr); ok {
		return true
	}
	_, _, ok := ParseChannelAddress(addr)
	return ok
}

// CreateEnvelope persists a new pending envelope. ID and CreatedAt are
// assigned here when unset.
func (s *Store) CreateEnvelope(ctx context.Context, env *Envelope) error {
	if !ValidAddress(env.To) {
		return hberr.New(hberr.KindValidation, "invalid destination address %q", env.To)
	}
	if env.From != "" && !ValidAddress(env.From) {
		return hberr.New(hberr.KindValidation, "invalid source address %q", env.From)
	}
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, from_addr, to_addr, from_boss, content, deliver_at, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, env.ID, env.From, env.To, env.FromBoss, string(content), env.DeliverAt, env.Status, env.CreatedAt, marshalMap(env.Metadata))
	if isUniqueViolation(err) {
		return hberr.New(hberr.KindConflict, "envelope %s already exists", env.ID)
	}
	return err
}

const envelopeColumns = `id, from_addr, to_addr, from_boss, content, deliver_at, status, created_at, metadata`

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var (
		env       Envelope
		content   string
		metadata  string
		deliverAt sql.NullInt64
	)
	err := row.Scan(&env.ID, &env.From, &env.To, &env.FromBoss, &content, &deliverAt, &env.Status, &env.CreatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	if deliverAt.Valid {
		v := uint64(deliverAt.Int64)
		env.DeliverAt = &v
	}
	_ = json.Unmarshal([]byte(content), &env.Content)
	_ = json.Unmarshal([]byte(metadata), &env.Metadata)
	return &env, nil
}

// GetEnvelope retrieves an envelope by full ID.
func (s *Store) GetEnvelope(ctx context.Context, id string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, id)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, hberr.New(hberr.KindNotFound, "envelope not found").WithData("envelope-id", id)
	}
	return env, err
}

// ResolveEnvelopeID resolves a full ID or short-ID prefix to one envelope.
// A prefix matching more than one envelope yields ambiguous-prefix with the
// candidates' canonical ids and creation times.
func (s *Store) ResolveEnvelopeID(ctx context.Context, idOrPrefix string) (*Envelope, error) {
	if ids.IsValid(idOrPrefix) {
		return s.GetEnvelope(ctx, idOrPrefix)
	}
	prefix := strings.ToLower(strings.ReplaceAll(idOrPrefix, "-", ""))
	if prefix == "" {
		return nil, hberr.New(hberr.KindValidation, "empty envelope id")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE replace(lower(id), '-', '') LIKE ? ESCAPE '\'
		ORDER BY created_at`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, hberr.New(hberr.KindNotFound, "envelope not found").WithData("envelope-id", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		candidates := make([]map[string]any, len(matches))
		for i, m := range matches {
			candidates[i] = map[string]any{"id": m.ID, "createdAt": m.CreatedAt}
		}
		return nil, hberr.New(hberr.KindAmbiguousPrefix, "prefix %q matches %d envelopes", idOrPrefix, len(matches)).
			WithData("candidates", candidates)
	}
}

// EnvelopeFilter selects envelopes for listing.
type EnvelopeFilter struct {
	To     string // exact destination address
	From   string // exact source address
	Status string // pending or done; empty for both
	Limit  int
}

// ListEnvelopes returns envelopes matching the filter, oldest first.
func (s *Store) ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]*Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE 1=1`
	var args []any
	if filter.To != "" {
		query += ` AND to_addr = ?`
		args = append(args, filter.To)
	}
	if filter.From != "" {
		query += ` AND from_addr = ?`
		args = append(args, filter.From)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryEnvelopes(ctx, query, args...)
}

// NextScheduledEnvelope returns the pending envelope with the earliest future
// deliverAt, or nil when none is scheduled.
func (s *Store) NextScheduledEnvelope(ctx context.Context) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = ? AND deliver_at IS NOT NULL AND deliver_at > ?
		ORDER BY deliver_at, created_at LIMIT 1`, StatusPending, s.Now())
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return env, err
}

// DueChannelEnvelopes returns pending channel-destined envelopes whose
// deliverAt has passed (or is unset), creation order.
func (s *Store) DueChannelEnvelopes(ctx context.Context, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEnvelopes(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = ? AND to_addr LIKE 'channel:%'
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY created_at, id LIMIT ?`, StatusPending, s.Now(), limit)
}

// DueAgentNames returns the distinct agent names with at least one due
// pending envelope.
func (s *Store) DueAgentNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT substr(to_addr, ?) FROM envelopes
		WHERE status = ? AND to_addr LIKE 'agent:%'
		  AND (deliver_at IS NULL OR deliver_at <= ?)`,
		len(AddrAgentPrefix)+1, StatusPending, s.Now())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PendingEnvelopesForAgent returns the agent's due pending envelopes ordered
// by (coalesce(deliverAt, createdAt), createdAt) ascending.
func (s *Store) PendingEnvelopesForAgent(ctx context.Context, name string, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryEnvelopes(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = ? AND to_addr = ?
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY coalesce(deliver_at, created_at), created_at, id LIMIT ?`,
		StatusPending, AddrAgentPrefix+name, s.Now(), limit)
}

// CountDuePendingForAgent returns the agent's due pending queue depth.
func (s *Store) CountDuePendingForAgent(ctx context.Context, name string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM envelopes
		WHERE status = ? AND to_addr = ?
		  AND (deliver_at IS NULL OR deliver_at <= ?)`,
		StatusPending, AddrAgentPrefix+name, s.Now()).Scan(&count)
	return count, err
}

// MarkEnvelopesDone transitions the given envelopes pending -> done in one
// transaction. Envelopes already done are left untouched (done is terminal).
func (s *Store) MarkEnvelopesDone(ctx context.Context, envelopeIDs []string) error {
	if len(envelopeIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(
			`UPDATE envelopes SET status = ? WHERE id IN (?) AND status = ?`,
			StatusDone, envelopeIDs, StatusPending)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	})
}

// MarkEnvelopeDeliveryFailed records the delivery post-mortem on the envelope
// metadata and terminalizes it. Delivery failures are at-most-once: the
// envelope never returns to pending.
func (s *Store) MarkEnvelopeDeliveryFailed(ctx context.Context, id, kind, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET status = ?, metadata = json_set(metadata,
			'$.`+MetaLastDeliveryErrorAt+`', ?,
			'$.`+MetaLastDeliveryErrorKind+`', ?,
			'$.`+MetaLastDeliveryErrorMessage+`', ?)
		WHERE id = ? AND status = ?
	`, StatusDone, s.Now(), kind, message, id, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "pending envelope not found").WithData("envelope-id", id)
	}
	return nil
}

// ClearDuePendingForAgent transactionally moves the agent's due non-cron
// pending envelopes to done. Returns the cleared ids.
func (s *Store) ClearDuePendingForAgent(ctx context.Context, name string) ([]string, error) {
	var cleared []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM envelopes
			WHERE status = ? AND to_addr = ?
			  AND (deliver_at IS NULL OR deliver_at <= ?)
			  AND json_extract(metadata, '$.`+MetaCronScheduleID+`') IS NULL`,
			StatusPending, AddrAgentPrefix+name, s.Now())
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			cleared = append(cleared, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(cleared) == 0 {
			return nil
		}
		query, args, err := sqlx.In(`UPDATE envelopes SET status = ? WHERE id IN (?)`, StatusDone, cleared)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cleared, nil
}

// SetEnvelopePlatformMessageID records the channel platform's native message
// id on the envelope after a successful send.
func (s *Store) SetEnvelopePlatformMessageID(ctx context.Context, id, platformMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET metadata = json_set(metadata, '$.`+MetaPlatformMessageID+`', ?)
		WHERE id = ?`, platformMessageID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "envelope not found").WithData("envelope-id", id)
	}
	return nil
}

// FindChannelEnvelopeByPlatformMessageID resolves a platform-native message id
// on a channel back to the envelope that carried it, or nil.
func (s *Store) FindChannelEnvelopeByPlatformMessageID(ctx context.Context, channelAddr, platformMessageID string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE (from_addr = ? OR to_addr = ?)
		  AND json_extract(metadata, '$.`+MetaPlatformMessageID+`') = ?
		ORDER BY created_at DESC LIMIT 1`, channelAddr, channelAddr, platformMessageID)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return env, err
}

// PendingEnvelopeCountForCron counts pending envelopes materialized from the
// given schedule.
func (s *Store) PendingEnvelopeCountForCron(ctx context.Context, scheduleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM envelopes
		WHERE status = ? AND json_extract(metadata, '$.`+MetaCronScheduleID+`') = ?`,
		StatusPending, scheduleID).Scan(&count)
	return count, err
}

func (s *Store) queryEnvelopes(ctx context.Context, query string, args ...any) ([]*Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var envelopes []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
