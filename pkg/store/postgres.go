package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	*sqlStore
}

type postgresDialect struct{}

// rebind rewrites ? placeholders to $1, $2, ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore: &sqlStore{db: db, dialect: postgresDialect{}}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		cpu_cores INTEGER NOT NULL CHECK (cpu_cores > 0),
		has_solar BOOLEAN NOT NULL DEFAULT false,
		location TEXT NOT NULL,
		status TEXT NOT NULL,
		eco_score DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (eco_score >= 0 AND eco_score <= 1),
		last_cpu_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_solar_watts DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_energy_saved_wh DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_carbon_credits DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL UNIQUE,
		task_type TEXT NOT NULL,
		payload TEXT,
		data_url TEXT NOT NULL,
		deadline TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		assigned_node_id TEXT NOT NULL DEFAULT '',
		result_hash TEXT NOT NULL DEFAULT '',
		energy_used_wh DOUBLE PRECISION NOT NULL DEFAULT 0,
		solar_contribution_wh DOUBLE PRECISION NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS proofs (
		seq BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		energy_used_wh DOUBLE PRECISION NOT NULL,
		solar_contribution_wh DOUBLE PRECISION NOT NULL,
		carbon_saved_kg DOUBLE PRECISION NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		previous_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL UNIQUE,
		node_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		proof_id TEXT NOT NULL UNIQUE,
		kg_co2 DOUBLE PRECISION NOT NULL,
		euro_value DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		node_share_eur DOUBLE PRECISION NOT NULL,
		cooperative_share_eur DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ,
		redeemed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS cooperative_fund (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_eur DOUBLE PRECISION NOT NULL DEFAULT 0
	);
	INSERT INTO cooperative_fund (id, total_eur) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, seq);
	CREATE INDEX IF NOT EXISTS idx_tasks_node ON tasks(assigned_node_id);
	CREATE INDEX IF NOT EXISTS idx_proofs_task ON proofs(task_id);
	CREATE INDEX IF NOT EXISTS idx_credits_node ON credits(node_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
