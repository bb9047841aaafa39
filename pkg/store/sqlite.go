package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	*sqlStore
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: Write-Ahead Logging for concurrent readers
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	// - _txlock=immediate: take the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore: &sqlStore{db: db, dialect: sqliteDialect{}}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		cpu_cores INTEGER NOT NULL,
		has_solar BOOLEAN NOT NULL,
		location TEXT NOT NULL,
		status TEXT NOT NULL,
		eco_score REAL NOT NULL DEFAULT 0,
		last_cpu_usage REAL NOT NULL DEFAULT 0,
		last_solar_watts REAL NOT NULL DEFAULT 0,
		total_energy_saved_wh REAL NOT NULL DEFAULT 0,
		total_carbon_credits REAL NOT NULL DEFAULT 0,
		last_heartbeat DATETIME NOT NULL,
		registered_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		task_type TEXT NOT NULL,
		payload TEXT,
		data_url TEXT NOT NULL,
		deadline DATETIME NOT NULL,
		status TEXT NOT NULL,
		assigned_node_id TEXT NOT NULL DEFAULT '',
		result_hash TEXT NOT NULL DEFAULT '',
		energy_used_wh REAL NOT NULL DEFAULT 0,
		solar_contribution_wh REAL NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS proofs (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		energy_used_wh REAL NOT NULL,
		solar_contribution_wh REAL NOT NULL,
		carbon_saved_kg REAL NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		previous_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		node_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		proof_id TEXT NOT NULL UNIQUE,
		kg_co2 REAL NOT NULL,
		euro_value REAL NOT NULL,
		status TEXT NOT NULL,
		node_share_eur REAL NOT NULL,
		cooperative_share_eur REAL NOT NULL,
		created_at DATETIME NOT NULL,
		confirmed_at DATETIME,
		redeemed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS cooperative_fund (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_eur REAL NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO cooperative_fund (id, total_eur) VALUES (1, 0);

	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, seq);
	CREATE INDEX IF NOT EXISTS idx_tasks_node ON tasks(assigned_node_id);
	CREATE INDEX IF NOT EXISTS idx_proofs_task ON proofs(task_id);
	CREATE INDEX IF NOT EXISTS idx_credits_node ON credits(node_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Vacuum reclaims space left by deleted rows
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}
