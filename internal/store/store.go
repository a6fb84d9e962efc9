// Package store provides durable, transactional persistence for envelopes,
// agents, bindings, cron schedules, run audit and key/value config. It is the
// sole owner of on-disk state; all multi-step writes run in one transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/db"
)

// schemaVersion is bumped on incompatible schema changes. The store refuses
// to open data written by a different version; operators reset the data
// directory to upgrade.
const schemaVersion = "1"

// Store provides all persistence operations over a single sqlite database.
type Store struct {
	db     *sqlx.DB
	clock  timeutil.Clock
	logger *logger.Logger
}

// Open opens (or creates) the database at dbPath, initializes the schema,
// verifies schema compatibility and reconciles stale running runs to failed.
func Open(dbPath string, clock timeutil.Clock, log *logger.Logger) (*Store, error) {
	conn, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return initialize(conn, clock, log)
}

// OpenMemory opens an isolated in-memory store for tests.
func OpenMemory(clock timeutil.Clock, log *logger.Logger) (*Store, error) {
	conn, err := db.OpenMemory()
	if err != nil {
		return nil, err
	}
	return initialize(conn, clock, log)
}

func initialize(conn *sqlx.DB, clock timeutil.Clock, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     conn,
		clock:  clock,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkSchemaVersion(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if n, err := s.reconcileRunningRuns(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reconcile stale runs: %w", err)
	} else if n > 0 {
		s.logger.Warn("reconciled stale running runs to failed", zap.Int64("count", n))
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock's current epoch milliseconds.
func (s *Store) Now() uint64 {
	return timeutil.NowMillis(s.clock)
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		name_lower TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		workspace TEXT DEFAULT '',
		provider TEXT NOT NULL,
		model TEXT,
		reasoning_effort TEXT,
		permission_level TEXT NOT NULL DEFAULT 'standard',
		session_policy TEXT,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS agent_bindings (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		adapter_type TEXT NOT NULL,
		adapter_token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (agent_name) REFERENCES agents(name) ON DELETE CASCADE,
		UNIQUE(adapter_type, adapter_token),
		UNIQUE(agent_name, adapter_type)
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		from_boss INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '{}',
		deliver_at INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes(status);
	CREATE INDEX IF NOT EXISTS idx_envelopes_to ON envelopes(to_addr, status);
	CREATE INDEX IF NOT EXISTS idx_envelopes_deliver_at ON envelopes(status, deliver_at);
	CREATE INDEX IF NOT EXISTS idx_envelopes_created_at ON envelopes(created_at);

	CREATE TABLE IF NOT EXISTS cron_schedules (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		cron TEXT NOT NULL,
		timezone TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		to_addr TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		pending_envelope_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (agent_name) REFERENCES agents(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cron_schedules_agent ON cron_schedules(agent_name);
	CREATE INDEX IF NOT EXISTS idx_cron_schedules_enabled ON cron_schedules(enabled);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		envelope_ids TEXT NOT NULL DEFAULT '[]',
		final_response TEXT,
		context_length INTEGER,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_name, started_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`)
	return err
}

// checkSchemaVersion records the schema version on first open and refuses to
// run against data written by an incompatible version.
func (s *Store) checkSchemaVersion() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, ConfigSchemaVersion).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`INSERT INTO config (key, value) VALUES (?, ?)`, ConfigSchemaVersion, schemaVersion)
		return err
	}
	if err != nil {
		return err
	}
	if stored != schemaVersion {
		return fmt.Errorf("incompatible store schema version %s (daemon expects %s); reset the data directory to continue", stored, schemaVersion)
	}
	return nil
}

// reconcileRunningRuns marks any surviving running run as failed with error
// daemon-stopped. Called on open so a crash never leaves phantom runs.
func (s *Store) reconcileRunningRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, error = ?, completed_at = ?
		WHERE status = ?
	`, RunFailed, "daemon-stopped", s.Now(), RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
