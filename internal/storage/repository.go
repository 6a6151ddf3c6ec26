package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const DefaultListLimit = 20

// RunRecord is the recorded outcome of a finished calculation.
type RunRecord struct {
	RunID      string                `json:"run_id"`
	SessionID  string                `json:"session_id"`
	Feature    string                `json:"feature"`
	Status     string                `json:"status"`
	Total      decimal.Decimal       `json:"total"`
	Processed  int                   `json:"processed"`
	Counted    int                   `json:"counted"`
	Pages      int                   `json:"pages"`
	RetryCount int                   `json:"retry_count"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Buckets    []core.CategoryAmount `json:"buckets"`
}

type HistoryRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *slog.Logger
}

func NewHistoryRepository(dbPath string, logger *slog.Logger) (*HistoryRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer keeps SQLite from reporting busy under concurrent saves.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryRepository{
		db:      db,
		queries: New(db),
		logger:  logger,
	}, nil
}

func (r *HistoryRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SaveRun records a finished run. Saving the same run again, as happens
// when a failed run is retried to completion, replaces the earlier record.
func (r *HistoryRepository) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.RunID == "" {
		return errors.New("save run: missing run id")
	}
	if rec.Status != "done" && rec.Status != "error" {
		return fmt.Errorf("save run: status %q is not terminal", rec.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	err = q.UpsertRun(ctx, runRow{
		RunID:      rec.RunID,
		SessionID:  rec.SessionID,
		Feature:    rec.Feature,
		Status:     rec.Status,
		Total:      rec.Total.String(),
		Processed:  int64(rec.Processed),
		Counted:    int64(rec.Counted),
		Pages:      int64(rec.Pages),
		RetryCount: int64(rec.RetryCount),
		Error:      rec.Error,
		StartedAt:  formatTime(rec.StartedAt),
		FinishedAt: formatTime(rec.FinishedAt),
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	if err := q.DeleteBuckets(ctx, rec.RunID); err != nil {
		return fmt.Errorf("clear buckets of run %s: %w", rec.RunID, err)
	}
	for i, b := range rec.Buckets {
		err := q.InsertBucket(ctx, rec.RunID, bucketRow{
			Position: int64(i),
			Name:     b.Name,
			Label:    b.Label,
			Count:    int64(b.Count),
			Amount:   b.Amount.String(),
		})
		if err != nil {
			return fmt.Errorf("save bucket %s of run %s: %w", b.Name, rec.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", rec.RunID, err)
	}

	r.logger.InfoContext(ctx, "Run recorded",
		"run_id", rec.RunID,
		"feature", rec.Feature,
		"status", rec.Status,
		"total", rec.Total.String())
	return nil
}

// GetRun returns one recorded run with its breakdown.
func (r *HistoryRepository) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row, err := r.queries.GetRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r.hydrate(ctx, row)
}

// ListRuns returns the most recently finished runs, newest first. An empty
// feature lists every feature.
func (r *HistoryRepository) ListRuns(ctx context.Context, feature string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.queries.ListRuns(ctx, feature, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := r.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *HistoryRepository) hydrate(ctx context.Context, row runRow) (RunRecord, error) {
	total, err := decimal.NewFromString(row.Total)
	if err != nil {
		return RunRecord{}, fmt.Errorf("run %s: parse total: %w", row.RunID, err)
	}
	rec := RunRecord{
		RunID:      row.RunID,
		SessionID:  row.SessionID,
		Feature:    row.Feature,
		Status:     row.Status,
		Total:      total,
		Processed:  int(row.Processed),
		Counted:    int(row.Counted),
		Pages:      int(row.Pages),
		RetryCount: int(row.RetryCount),
		Error:      row.Error,
		StartedAt:  parseTime(row.StartedAt),
		FinishedAt: parseTime(row.FinishedAt),
		Buckets:    []core.CategoryAmount{},
	}

	buckets, err := r.queries.ListBuckets(ctx, row.RunID)
	if err != nil {
		return RunRecord{}, fmt.Errorf("list buckets of run %s: %w", row.RunID, err)
	}
	for _, b := range buckets {
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return RunRecord{}, fmt.Errorf("run %s: parse bucket %s: %w", row.RunID, b.Name, err)
		}
		rec.Buckets = append(rec.Buckets, core.CategoryAmount{
			Name:   b.Name,
			Label:  b.Label,
			Count:  int(b.Count),
			Amount: amount,
		})
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
