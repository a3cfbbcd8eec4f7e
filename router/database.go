package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBExecutionResult struct {
	ID              string          `db:"id"`
	OpportunityID   string          `db:"opportunity_id"`
	Success         bool            `db:"success"`
	Status          string          `db:"status"`
	FailedStage     sql.NullString  `db:"failed_stage"`
	Reason          sql.NullString  `db:"reason"`
	Endpoint        sql.NullString  `db:"endpoint"`
	Signature       sql.NullString  `db:"signature"`
	FinancingCost   float64         `db:"financing_cost"`
	RealizedOutcome float64         `db:"realized_outcome"`
	Body            json.RawMessage `db:"body"`
	ExecutedAt      time.Time       `db:"executed_at"`
	InsertedAt      time.Time       `db:"inserted_at"`
}

var createResultTableQuery = `
CREATE TABLE IF NOT EXISTS execution_result (
    id               text PRIMARY KEY,
    opportunity_id   text NOT NULL,
    success          boolean NOT NULL,
    status           text NOT NULL,
    failed_stage     text,
    reason           text,
    endpoint         text,
    signature        text,
    financing_cost   double precision NOT NULL DEFAULT 0,
    realized_outcome double precision NOT NULL DEFAULT 0,
    body             jsonb NOT NULL,
    executed_at      timestamptz NOT NULL,
    inserted_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS execution_result_executed_at_idx ON execution_result (executed_at DESC);`

var insertResultQuery = `
INSERT INTO execution_result (id, opportunity_id, success, status, failed_stage, reason, endpoint, signature,
                              financing_cost, realized_outcome, body, executed_at)
VALUES (:id, :opportunity_id, :success, :status, :failed_stage, :reason, :endpoint, :signature,
        :financing_cost, :realized_outcome, :body, :executed_at)
ON CONFLICT (id) DO NOTHING`

var selectRecentResultsQuery = `
SELECT id, opportunity_id, success, status, failed_stage, reason, endpoint, signature,
       financing_cost, realized_outcome, body, executed_at, inserted_at
FROM execution_result
ORDER BY executed_at DESC
LIMIT $1`

type DBResultStore struct {
	db *sqlx.DB

	insertResult *sqlx.NamedStmt
	recent       *sqlx.Stmt
}

func NewDBResultStore(postgresDSN string) (*DBResultStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(createResultTableQuery); err != nil {
		return nil, err
	}

	insertResult, err := db.PrepareNamed(insertResultQuery)
	if err != nil {
		return nil, err
	}
	recent, err := db.Preparex(selectRecentResultsQuery)
	if err != nil {
		return nil, err
	}
	return &DBResultStore{
		db:           db,
		insertResult: insertResult,
		recent:       recent,
	}, nil
}

func (b *DBResultStore) InsertResult(ctx context.Context, result *ExecutionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	row := DBExecutionResult{
		ID:              result.ID,
		OpportunityID:   result.OpportunityID,
		Success:         result.Success,
		Status:          string(result.Status),
		FailedStage:     sql.NullString{String: result.FailedStage, Valid: result.FailedStage != ""},
		Reason:          sql.NullString{String: result.Reason, Valid: result.Reason != ""},
		Endpoint:        sql.NullString{String: result.Endpoint, Valid: result.Endpoint != ""},
		FinancingCost:   result.Financing.Cost(),
		RealizedOutcome: result.RealizedOutcome,
		Body:            body,
		ExecutedAt:      result.Timestamp,
	}
	if sig := resultSignature(result); sig != "" {
		row.Signature = sql.NullString{String: sig, Valid: true}
	}
	_, err = b.insertResult.ExecContext(ctx, row)
	return err
}

// RecentResults returns up to limit stored results, newest first
func (b *DBResultStore) RecentResults(ctx context.Context, limit int) ([]ExecutionResult, error) {
	var rows []DBExecutionResult
	if err := b.recent.SelectContext(ctx, &rows, limit); err != nil {
		return nil, err
	}
	out := make([]ExecutionResult, 0, len(rows))
	for _, row := range rows {
		var r ExecutionResult
		if err := json.Unmarshal(row.Body, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func resultSignature(result *ExecutionResult) string {
	if result.Broadcast != nil && result.Broadcast.FirstSignature != "" {
		return result.Broadcast.FirstSignature
	}
	if result.Bundle != nil && result.Bundle.RelayBundleID != "" {
		return result.Bundle.RelayBundleID
	}
	return ""
}

func (b *DBResultStore) Close() error {
	return b.db.Close()
}
