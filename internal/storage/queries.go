package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type runRow struct {
	RunID      string
	SessionID  string
	Feature    string
	Status     string
	Total      string
	Processed  int64
	Counted    int64
	Pages      int64
	RetryCount int64
	Error      string
	StartedAt  string
	FinishedAt string
}

type bucketRow struct {
	Position int64
	Name     string
	Label    string
	Count    int64
	Amount   string
}

const upsertRun = `
INSERT INTO calculation_runs (
    run_id, session_id, feature, status, total, processed, counted, pages,
    retry_count, error, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    status = excluded.status,
    total = excluded.total,
    processed = excluded.processed,
    counted = excluded.counted,
    pages = excluded.pages,
    retry_count = excluded.retry_count,
    error = excluded.error,
    finished_at = excluded.finished_at`

func (q *Queries) UpsertRun(ctx context.Context, r runRow) error {
	_, err := q.db.ExecContext(ctx, upsertRun,
		r.RunID, r.SessionID, r.Feature, r.Status, r.Total, r.Processed, r.Counted, r.Pages,
		r.RetryCount, r.Error, r.StartedAt, r.FinishedAt)
	return err
}

const deleteBuckets = `DELETE FROM run_buckets WHERE run_id = ?`

func (q *Queries) DeleteBuckets(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, deleteBuckets, runID)
	return err
}

const insertBucket = `
INSERT INTO run_buckets (run_id, position, name, label, count, amount)
VALUES (?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertBucket(ctx context.Context, runID string, b bucketRow) error {
	_, err := q.db.ExecContext(ctx, insertBucket, runID, b.Position, b.Name, b.Label, b.Count, b.Amount)
	return err
}

const runColumns = `run_id, session_id, feature, status, total, processed, counted, pages,
    retry_count, error, started_at, finished_at`

const getRun = `SELECT ` + runColumns + ` FROM calculation_runs WHERE run_id = ?`

func (q *Queries) GetRun(ctx context.Context, runID string) (runRow, error) {
	row := q.db.QueryRowContext(ctx, getRun, runID)
	var r runRow
	err := scanRun(row, &r)
	return r, err
}

const listRuns = `SELECT ` + runColumns + ` FROM calculation_runs
WHERE (? = '' OR feature = ?)
ORDER BY finished_at DESC, run_id
LIMIT ?`

func (q *Queries) ListRuns(ctx context.Context, feature string, limit int) ([]runRow, error) {
	rows, err := q.db.QueryContext(ctx, listRuns, feature, feature, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []runRow
	for rows.Next() {
		var r runRow
		if err := scanRun(rows, &r); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listBuckets = `SELECT position, name, label, count, amount FROM run_buckets
WHERE run_id = ? ORDER BY position`

func (q *Queries) ListBuckets(ctx context.Context, runID string) ([]bucketRow, error) {
	rows, err := q.db.QueryContext(ctx, listBuckets, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []bucketRow
	for rows.Next() {
		var b bucketRow
		if err := rows.Scan(&b.Position, &b.Name, &b.Label, &b.Count, &b.Amount); err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner, r *runRow) error {
	return s.Scan(&r.RunID, &r.SessionID, &r.Feature, &r.Status, &r.Total, &r.Processed, &r.Counted,
		&r.Pages, &r.RetryCount, &r.Error, &r.StartedAt, &r.FinishedAt)
}
