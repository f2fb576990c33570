// Package ledger records evaluation runs in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	model_path          TEXT NOT NULL,
	data_list           TEXT,
	palette             TEXT,
	num_classes         INTEGER NOT NULL,
	requested_steps     INTEGER NOT NULL,
	status              TEXT NOT NULL,
	steps               INTEGER,
	pixels              INTEGER,
	mean_iou            REAL,
	pixel_accuracy      REAL,
	mean_class_accuracy REAL,
	bytes_written       INTEGER,
	error               TEXT,
	started_at          TEXT NOT NULL,
	finished_at         TEXT
);

CREATE TABLE IF NOT EXISTS progress (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	step       INTEGER NOT NULL,
	mean_iou   REAL NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS class_iou (
	run_id      TEXT NOT NULL,
	class_index INTEGER NOT NULL,
	class_name  TEXT,
	iou         REAL,
	PRIMARY KEY (run_id, class_index),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusAborted = "aborted"
)

// RunInfo describes a run when it starts.
type RunInfo struct {
	// ID identifies the run; NewRunID is used when empty.
	ID         string
	ModelPath  string
	DataList   string
	Palette    string
	NumClasses int
	Steps      int
	StartedAt  time.Time
}

// Progress is one periodic progress sample.
type Progress struct {
	Step    int
	MeanIoU float64
	Elapsed time.Duration
}

// Result is the outcome of a run.
type Result struct {
	Status            string
	Steps             int
	Pixels            uint64
	MeanIoU           float64
	PixelAccuracy     float64
	MeanClassAccuracy float64
	BytesWritten      int64
	// ClassIoU holds one entry per class; NaN marks a class absent from both
	// prediction and truth.
	ClassIoU   []float64
	ClassNames []string
	Err        error
}

// RunRecord is a stored run.
type RunRecord struct {
	ID             string
	ModelPath      string
	DataList       string
	Palette        string
	NumClasses     int
	RequestedSteps int
	Status         string
	Steps          int
	Pixels         uint64
	MeanIoU        float64
	BytesWritten   int64
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// ClassRow is the stored IoU of one class. Valid is false for excluded classes.
type ClassRow struct {
	Index int
	Name  string
	IoU   float64
	Valid bool
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Ledger stores evaluation runs in a SQLite database.
type Ledger struct {
	db *sql.DB
}

// Open opens a SQLite database and runs migrations. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun inserts a run in the running state.
//
// Returns:
//   - string: The run id.
//   - error: An error if the insert fails.
func (l *Ledger) BeginRun(ctx context.Context, info RunInfo) (string, error) {
	if info.ID == "" {
		info.ID = NewRunID()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, model_path, data_list, palette, num_classes, requested_steps, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.ModelPath, nullIfEmpty(info.DataList), nullIfEmpty(info.Palette),
		info.NumClasses, info.Steps, StatusRunning, info.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return info.ID, nil
}

// RecordProgress stores a progress sample.
func (l *Ledger) RecordProgress(ctx context.Context, runID string, p Progress) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO progress (run_id, step, mean_iou, elapsed_ms) VALUES (?, ?, ?, ?)`,
		runID, p.Step, p.MeanIoU, p.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run and its per-class IoU.
func (l *Ledger) FinishRun(ctx context.Context, runID string, r Result) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	status := r.Status
	if status == "" {
		status = StatusDone
		if r.Err != nil {
			status = StatusAborted
		}
	}
	var errText interface{}
	if r.Err != nil {
		errText = r.Err.Error()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, steps = ?, pixels = ?, mean_iou = ?, pixel_accuracy = ?,
		 mean_class_accuracy = ?, bytes_written = ?, error = ?, finished_at = ?
		 WHERE run_id = ?`,
		status, r.Steps, int64(r.Pixels), nullIfNaN(r.MeanIoU), nullIfNaN(r.PixelAccuracy),
		nullIfNaN(r.MeanClassAccuracy), r.BytesWritten, errText, time.Now().UTC().Format(time.RFC3339Nano),
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}

	for i, iou := range r.ClassIoU {
		name := ""
		if i < len(r.ClassNames) {
			name = r.ClassNames[i]
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO class_iou (run_id, class_index, class_name, iou) VALUES (?, ?, ?, ?)
			 ON CONFLICT(run_id, class_index) DO UPDATE SET class_name = excluded.class_name, iou = excluded.iou`,
			runID, i, nullIfEmpty(name), nullIfNaN(iou),
		)
		if err != nil {
			return fmt.Errorf("insert class iou: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Run loads a stored run.
func (l *Ledger) Run(ctx context.Context, runID string) (RunRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err != nil {
		return RunRecord{}, fmt.Errorf("query run %s: %w", runID, err)
	}
	return rec, nil
}

// Runs returns the most recently started runs, newest first.
//
// Arguments:
//   - ctx: The query context.
//   - limit: The maximum number of runs; 0 or less returns all of them.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const runColumns = `run_id, model_path, data_list, palette, num_classes, requested_steps, status,
	steps, pixels, mean_iou, bytes_written, error, started_at, finished_at`

func scanRun(row interface{ Scan(dest ...any) error }) (RunRecord, error) {
	var (
		rec                       RunRecord
		dataList, palette, errTxt sql.NullString
		steps, pixels, bytes      sql.NullInt64
		miou                      sql.NullFloat64
		started                   string
		finished                  sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.ModelPath, &dataList, &palette, &rec.NumClasses, &rec.RequestedSteps, &rec.Status,
		&steps, &pixels, &miou, &bytes, &errTxt, &started, &finished)
	if err != nil {
		return RunRecord{}, err
	}

	rec.DataList = dataList.String
	rec.Palette = palette.String
	rec.Error = errTxt.String
	rec.Steps = int(steps.Int64)
	rec.Pixels = uint64(pixels.Int64)
	rec.BytesWritten = bytes.Int64
	rec.MeanIoU = math.NaN()
	if miou.Valid {
		rec.MeanIoU = miou.Float64
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	return rec, nil
}

// Progress returns the progress samples of a run in step order.
func (l *Ledger) Progress(ctx context.Context, runID string) ([]Progress, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT step, mean_iou, elapsed_ms FROM progress WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		var p Progress
		var ms int64
		if err := rows.Scan(&p.Step, &p.MeanIoU, &ms); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p.Elapsed = time.Duration(ms) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClassIoU returns the per-class IoU of a run in class order.
func (l *Ledger) ClassIoU(ctx context.Context, runID string) ([]ClassRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT class_index, class_name, iou FROM class_iou WHERE run_id = ? ORDER BY class_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query class iou: %w", err)
	}
	defer rows.Close()

	var out []ClassRow
	for rows.Next() {
		var (
			row  ClassRow
			name sql.NullString
			iou  sql.NullFloat64
		)
		if err := rows.Scan(&row.Index, &name, &iou); err != nil {
			return nil, fmt.Errorf("scan class iou: %w", err)
		}
		row.Name = name.String
		row.IoU, row.Valid = iou.Float64, iou.Valid
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNaN(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
