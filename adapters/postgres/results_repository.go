// Package postgres persists pooled inference tables for the downstream
// table-formatting and plotting collaborators.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"mipool/domain/inference"
	"mipool/internal/errors"
	"mipool/internal/margins"
	"mipool/internal/pipeline"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ResultsRepository stores run reports, pooled coefficient tables and pooled
// prediction tables.
type ResultsRepository struct {
	db *sqlx.DB
}

// NewResultsRepository creates a repository over an open connection.
func NewResultsRepository(db *sqlx.DB) *ResultsRepository {
	return &ResultsRepository{db: db}
}

// Connect opens a PostgreSQL connection from a URL.
func Connect(url string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the result tables if they do not exist.
func (r *ResultsRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_runs (
			run_id      TEXT PRIMARY KEY,
			model_id    TEXT NOT NULL,
			model       TEXT NOT NULL,
			attempted   INT NOT NULL,
			succeeded   INT NOT NULL,
			failures    JSONB NOT NULL DEFAULT '[]',
			elapsed_ms  BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS pooled_coefficients (
			run_id      TEXT NOT NULL REFERENCES model_runs(run_id),
			name        TEXT NOT NULL,
			estimate    DOUBLE PRECISION NOT NULL,
			se          DOUBLE PRECISION NOT NULL,
			within_var  DOUBLE PRECISION NOT NULL,
			between_var DOUBLE PRECISION NOT NULL,
			df          DOUBLE PRECISION NOT NULL,
			t           DOUBLE PRECISION NOT NULL,
			p           DOUBLE PRECISION NOT NULL,
			ci_lower    DOUBLE PRECISION NOT NULL,
			ci_upper    DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, name)
		);
		CREATE TABLE IF NOT EXISTS pooled_predictions (
			run_id     TEXT NOT NULL REFERENCES model_runs(run_id),
			point      JSONB NOT NULL,
			estimate   DOUBLE PRECISION NOT NULL,
			se         DOUBLE PRECISION NOT NULL,
			df         DOUBLE PRECISION NOT NULL,
			ci_lower   DOUBLE PRECISION NOT NULL,
			ci_upper   DOUBLE PRECISION NOT NULL
		)`)
	return err
}

// SaveRun stores the report of one model run.
func (r *ResultsRepository) SaveRun(ctx context.Context, report *pipeline.RunReport) error {
	failures, err := json.Marshal(report.Failures)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO model_runs (run_id, model_id, model, attempted, succeeded, failures, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.RunID.String(), report.ModelID.String(), report.Model, report.Attempted,
		report.Succeeded, failures, report.Elapsed.Milliseconds())
	return errors.Wrapf(err, "save run %s", report.RunID)
}

// SavePooledTable stores one pooled coefficient table under a run.
func (r *ResultsRepository) SavePooledTable(ctx context.Context, runID string, table *inference.PooledTable) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range table.Coefficients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pooled_coefficients
				(run_id, name, estimate, se, within_var, between_var, df, t, p, ci_lower, ci_upper)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			runID, c.Name, c.Estimate, c.SE, c.Within, c.Between, c.DF, c.T, c.P, c.Lower, c.Upper); err != nil {
			return errors.Wrapf(err, "save coefficient %q", c.Name)
		}
	}
	return tx.Commit()
}

// SavePooledPredictions stores one pooled prediction table under a run.
func (r *ResultsRepository) SavePooledPredictions(ctx context.Context, runID string, preds *margins.PooledPredictions) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, row := range preds.Rows {
		point := make(map[string]interface{}, len(row.Settings))
		for _, s := range row.Settings {
			if s.Value.IsLabel {
				point[string(s.Column)] = s.Value.Label
			} else {
				point[string(s.Column)] = s.Value.Number
			}
		}
		pointJSON, err := json.Marshal(point)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pooled_predictions (run_id, point, estimate, se, df, ci_lower, ci_upper)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, pointJSON, row.Estimate, row.SE, row.DF, row.Lower, row.Upper); err != nil {
			return errors.Wrapf(err, "save prediction point %s", pointJSON)
		}
	}
	return tx.Commit()
}
