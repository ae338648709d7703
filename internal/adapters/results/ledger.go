// Package results keeps a SQLite ledger of task results.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rvexec/internal/coordinator"
)

// ErrNotFound means the ledger holds no result for a task.
var ErrNotFound = errors.New("result not found")

const schema = `
CREATE TABLE IF NOT EXISTS results (
	task_id      TEXT PRIMARY KEY,
	success      INTEGER NOT NULL,
	exit_code    INTEGER NOT NULL,
	output_value TEXT NOT NULL,
	outputs      TEXT NOT NULL,
	registers    TEXT NOT NULL,
	instructions INTEGER NOT NULL,
	elapsed_ns   INTEGER NOT NULL,
	verified     INTEGER NOT NULL,
	reference    TEXT NOT NULL,
	error        TEXT NOT NULL,
	metadata     TEXT NOT NULL,
	finished_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS results_finished_at ON results(finished_at);
`

const columns = `task_id, success, exit_code, output_value, outputs, registers,
	instructions, elapsed_ns, verified, reference, error, metadata, finished_at`

// Ledger implements coordinator.ResultSink on SQLite.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; workers record concurrently
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record implements coordinator.ResultSink. A later result for the same
// task replaces the earlier one.
func (l *Ledger) Record(ctx context.Context, r coordinator.TaskResult) error {
	outputs, err := json.Marshal(nonNil(r.Outputs))
	if err != nil {
		return err
	}
	registers, err := json.Marshal(r.Registers)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var errText string
	if r.Error != nil {
		errText = r.Error.Error()
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = l.db.ExecContext(ctx, `INSERT OR REPLACE INTO results (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Success, r.ExitCode, r.OutputValue, string(outputs), string(registers),
		int64(r.Instructions), r.Elapsed.Nanoseconds(), r.Verified, r.Reference, errText,
		string(metadata), finished.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.TaskID, err)
	}
	return nil
}

// Get returns the result recorded for taskID.
func (l *Ledger) Get(ctx context.Context, taskID string) (*coordinator.TaskResult, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+columns+` FROM results WHERE task_id = ?`, taskID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return r, err
}

// List returns up to limit results, newest first. limit <= 0 means all.
func (l *Ledger) List(ctx context.Context, limit int) ([]coordinator.TaskResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+columns+` FROM results
		ORDER BY finished_at DESC, task_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coordinator.TaskResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(s scanner) (*coordinator.TaskResult, error) {
	var (
		r                             coordinator.TaskResult
		outputs, registers, metadata  string
		errText                       string
		instructions, elapsed, finish int64
	)
	err := s.Scan(&r.TaskID, &r.Success, &r.ExitCode, &r.OutputValue, &outputs, &registers,
		&instructions, &elapsed, &r.Verified, &r.Reference, &errText, &metadata, &finish)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of %s: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(registers), &r.Registers); err != nil {
		return nil, fmt.Errorf("decode registers of %s: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", r.TaskID, err)
	}
	if errText != "" {
		r.Error = errors.New(errText)
	}
	r.Instructions = uint64(instructions)
	r.Elapsed = time.Duration(elapsed)
	r.FinishedAt = time.Unix(0, finish)
	return &r, nil
}

func nonNil(v []uint32) []uint32 {
	if v == nil {
		return []uint32{}
	}
	return v
}
