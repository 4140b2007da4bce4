// Package postgres is a tabular RunSink implementation: storage may
// include a tabular or remote sink behind the same trait.
// It uses golang-migrate + go:embed migrations + the pgx/v5 stdlib driver
// without ent, since ent requires generated code this module cannot
// produce; the coordinator only needs append + idempotent-by-key
// semantics, which a plain pgx connection pool gives directly.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only for migrations

	"github.com/agentlab/runner/internal/model"
	"github.com/agentlab/runner/internal/sink"
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures the postgres sink's connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Sink is a pgxpool-backed RunSink. Appends use ON CONFLICT DO NOTHING
// against the fact_rows composite primary key, giving the same
// idempotent-reappend semantics as the JSONL sink without an in-memory
// seen-set.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations via golang-migrate
// using the embedded migration set, and returns a ready Sink.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if err := runMigrations(cfg.DSN); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// runMigrations applies the embedded migration set via golang-migrate:
// open a database/sql handle through the pgx stdlib driver solely for
// migration purposes, then close it once migrations are applied (the
// pool used for normal operation is separate, pgxpool-native).
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "agentlabrunner", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Sink) WriteRunManifest(m sink.RunManifest) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_manifest (run_id, run_name, created_at, total_slots, dataset_path, schedule_policy, random_seed)
		VALUES ($1, $2, now(), $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING`,
		m.RunID, m.RunName, m.TotalSlots, m.DatasetPath, m.SchedulePolicy, m.RandomSeed)
	if err != nil {
		return fmt.Errorf("postgres: write run manifest: %w", err)
	}
	return nil
}

func (s *Sink) appendRows(rows []model.FactRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx := context.Background()
	batch := make([][]any, 0, len(rows))
	for _, r := range rows {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("postgres: marshal fields: %w", err)
		}
		batch = append(batch, []any{string(r.Kind), r.RunID, r.TrialID, r.ScheduleIdx, r.SlotCommitID, r.Attempt, r.RowSeqWithinSlot, fieldsJSON})
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, row := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO fact_rows (kind, run_id, trial_id, schedule_idx, slot_commit_id, attempt, row_seq_within_slot, fields)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (kind, run_id, trial_id, schedule_idx, slot_commit_id, attempt, row_seq_within_slot) DO NOTHING`,
			row...)
		if err != nil {
			return fmt.Errorf("postgres: insert fact row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Sink) AppendTrialRecord(row model.FactRow) error { return s.appendRows([]model.FactRow{row}) }
func (s *Sink) AppendMetricRows(rows []model.FactRow) error { return s.appendRows(rows) }
func (s *Sink) AppendEventRows(rows []model.FactRow) error  { return s.appendRows(rows) }
func (s *Sink) AppendVariantSnapshot(rows []model.FactRow) error { return s.appendRows(rows) }
func (s *Sink) AppendEvidenceRows(rows []model.FactRow) error { return s.appendRows(rows) }
func (s *Sink) AppendBenchmarkPredictionRows(rows []model.FactRow) error { return s.appendRows(rows) }
func (s *Sink) AppendBenchmarkScoreRows(rows []model.FactRow) error { return s.appendRows(rows) }

// Flush is a no-op: every append runs in its own committed
// transaction, so there is no buffered state to force out.
func (s *Sink) Flush() error { return nil }

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

var _ sink.RunSink = (*Sink)(nil)
