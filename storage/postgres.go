package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS ring_epochs (
	run_id                  VARCHAR(64) NOT NULL,
	ring_id                 INTEGER NOT NULL,
	epoch                   INTEGER NOT NULL,
	mean_waiting_ms         BIGINT NOT NULL,
	cooperative_expense     DOUBLE PRECISION NOT NULL,
	non_cooperative_expense DOUBLE PRECISION NOT NULL,
	theoretical_deposit     DOUBLE PRECISION NOT NULL,
	rewards                 DOUBLE PRECISION NOT NULL,
	penalties               DOUBLE PRECISION NOT NULL,
	subsidy                 DOUBLE PRECISION NOT NULL,
	treasury                DOUBLE PRECISION NOT NULL,
	executed                INTEGER NOT NULL,
	expired                 INTEGER NOT NULL,
	rounds                  INTEGER NOT NULL,
	created_at              TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
	PRIMARY KEY (run_id, ring_id, epoch)
);

CREATE INDEX IF NOT EXISTS idx_ring_epochs_created ON ring_epochs(created_at);
`

const upsertRecord = `
INSERT INTO ring_epochs
	(run_id, ring_id, epoch, mean_waiting_ms, cooperative_expense, non_cooperative_expense,
	 theoretical_deposit, rewards, penalties, subsidy, treasury, executed, expired, rounds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (run_id, ring_id, epoch) DO UPDATE SET
	mean_waiting_ms = EXCLUDED.mean_waiting_ms,
	cooperative_expense = EXCLUDED.cooperative_expense,
	non_cooperative_expense = EXCLUDED.non_cooperative_expense,
	theoretical_deposit = EXCLUDED.theoretical_deposit,
	rewards = EXCLUDED.rewards,
	penalties = EXCLUDED.penalties,
	subsidy = EXCLUDED.subsidy,
	treasury = EXCLUDED.treasury,
	executed = EXCLUDED.executed,
	expired = EXCLUDED.expired,
	rounds = EXCLUDED.rounds
`

// PostgresSink writes records into a ring_epochs table
type PostgresSink struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresSink connects and creates the table if needed
func NewPostgresSink(config *PostgresConfig) (*PostgresSink, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	sink, err := NewPostgresSinkFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSinkFromDB uses an open database handle
func NewPostgresSinkFromDB(db *sql.DB) (*PostgresSink, error) {
	s := &PostgresSink{db: db, timeout: 5 * time.Second}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, recordSchema)
	return err
}

// Put upserts one record
func (s *PostgresSink) Put(rec types.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, upsertRecord,
		rec.RunID,
		rec.RingID,
		rec.Epoch,
		rec.MeanWaitingTime.Milliseconds(),
		rec.CooperativeExpense,
		rec.NonCooperativeExpense,
		rec.TheoreticalDeposit,
		rec.Rewards,
		rec.Penalties,
		rec.Subsidy,
		rec.Treasury,
		rec.Executed,
		rec.Expired,
		rec.Rounds,
	)
	return err
}

// Records loads the records of a run ordered by ring and epoch
func (s *PostgresSink) Records(runID string) ([]types.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT ring_id, epoch, mean_waiting_ms, cooperative_expense, non_cooperative_expense,
		       theoretical_deposit, rewards, penalties, subsidy, treasury, executed, expired, rounds
		FROM ring_epochs
		WHERE run_id = $1
		ORDER BY ring_id, epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec := types.Record{RunID: runID}
		var waitMS int64
		if err := rows.Scan(&rec.RingID, &rec.Epoch, &waitMS, &rec.CooperativeExpense, &rec.NonCooperativeExpense,
			&rec.TheoreticalDeposit, &rec.Rewards, &rec.Penalties, &rec.Subsidy, &rec.Treasury,
			&rec.Executed, &rec.Expired, &rec.Rounds); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		rec.MeanWaitingTime = time.Duration(waitMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
