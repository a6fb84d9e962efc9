package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/hiboss/hiboss/internal/common/ids"
	"github.com/hiboss/hiboss/internal/hberr"
)

// StartRun records a new running AgentRun. The per-agent worker serializes
// runs, so at most one run per agent is ever running.
func (s *Store) StartRun(ctx context.Context, agentName string, envelopeIDs []string) (*AgentRun, error) {
	run := &AgentRun{
		ID:          ids.New(),
		AgentName:   agentName,
		StartedAt:   s.Now(),
		EnvelopeIDs: envelopeIDs,
		Status:      RunRunning,
	}
	idsJSON, err := json.Marshal(run.EnvelopeIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_name, started_at, envelope_ids, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.AgentName, run.StartedAt, string(idsJSON), run.Status)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun marks the run completed and acknowledges its envelopes in the
// same transaction. This is the at-most-once commit point: once it returns,
// the turn's envelopes are done and never retried.
func (s *Store) CompleteRun(ctx context.Context, run *AgentRun, finalResponse string, contextLength *int64) error {
	now := s.Now()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_runs SET status = ?, completed_at = ?, final_response = ?, context_length = ?
			WHERE id = ? AND status = ?
		`, RunCompleted, now, finalResponse, contextLength, run.ID, RunRunning)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return hberr.New(hberr.KindNotFound, "running run %s not found", run.ID)
		}
		if len(run.EnvelopeIDs) > 0 {
			query, args, err := sqlx.In(
				`UPDATE envelopes SET status = ? WHERE id IN (?) AND status = ?`,
				StatusDone, run.EnvelopeIDs, StatusPending)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return err
			}
		}
		run.Status = RunCompleted
		run.CompletedAt = &now
		run.FinalResponse = &finalResponse
		run.ContextLength = contextLength
		return nil
	})
}

// FinishRunWithStatus marks the run failed or cancelled. Envelopes remain
// pending and will be retried on the next trigger.
func (s *Store) FinishRunWithStatus(ctx context.Context, runID, status, errMsg string) error {
	if status != RunFailed && status != RunCancelled {
		return hberr.New(hberr.KindValidation, "invalid terminal run status %q", status)
	}
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, status, s.Now(), errVal, runID, RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hberr.New(hberr.KindNotFound, "running run %s not found", runID)
	}
	return nil
}

const runColumns = `id, agent_name, started_at, completed_at, envelope_ids, final_response, context_length, status, error`

func scanRun(row rowScanner) (*AgentRun, error) {
	var (
		run           AgentRun
		completedAt   sql.NullInt64
		envelopeIDs   string
		finalResponse sql.NullString
		contextLength sql.NullInt64
		errMsg        sql.NullString
	)
	err := row.Scan(&run.ID, &run.AgentName, &run.StartedAt, &completedAt, &envelopeIDs,
		&finalResponse, &contextLength, &run.Status, &errMsg)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		v := uint64(completedAt.Int64)
		run.CompletedAt = &v
	}
	if finalResponse.Valid {
		run.FinalResponse = &finalResponse.String
	}
	if contextLength.Valid {
		run.ContextLength = &contextLength.Int64
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	_ = json.Unmarshal([]byte(envelopeIDs), &run.EnvelopeIDs)
	return &run, nil
}

// LastRunForAgent returns the agent's most recently started run, or nil.
func (s *Store) LastRunForAgent(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? ORDER BY started_at DESC, id DESC LIMIT 1`, agentName)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// LastCompletedRunForAgent returns the agent's most recent completed run, or
// nil. Session policies evaluate against this.
func (s *Store) LastCompletedRunForAgent(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? AND status = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`, agentName, RunCompleted)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRunsForAgent returns the agent's runs, newest first.
func (s *Store) ListRunsForAgent(ctx context.Context, agentName string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRunningRuns returns the number of runs currently marked running for
// the agent. Used by tests to assert per-agent serialization.
func (s *Store) CountRunningRuns(ctx context.Context, agentName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE agent_name = ? AND status = ?`,
		agentName, RunRunning).Scan(&count)
	return count, err
}
