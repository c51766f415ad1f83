package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"delayq/internal/sched"
	logx "delayq/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration // 0 means default (2s)
}

// RunSummary mirrors one row of the runs table.
type RunSummary struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Clock      string
	Planned    int
	Canceled   int
	Executed   int
	Failed     int
	OK         bool
}

// Store records run results. A nil *Store is valid and rejects writes with
// ErrDisabled, so callers don't need to branch on history being enabled.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the store. It returns (nil, nil) when history is disabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 2 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun inserts the run row before submissions start.
func (s *Store) BeginRun(ctx context.Context, id uuid.UUID, startedAt time.Time, clock string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, clock) VALUES(?,?,?)`,
		id.String(), startedAt.UTC().Format(time.RFC3339Nano), clock,
	)
	return err
}

// RecordExecution appends one terminal job record.
func (s *Store) RecordExecution(ctx context.Context, runID uuid.UUID, rec sched.Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var executedAt, lateness any
	if rec.Outcome != sched.OutcomeCanceled {
		executedAt = rec.ExecutedAt.UnixMicro()
		lateness = rec.Lateness.Microseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(run_id, job_id, seq, due_at_us, executed_at_us, lateness_us, outcome, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		runID.String(), rec.ID, rec.Seq, rec.DueAt.UnixMicro(),
		executedAt, lateness, string(rec.Outcome), nullStr(rec.Err),
	)
	return err
}

// FinishRun stores the final counters and verdict.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, planned, canceled, executed, failed int, ok bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, planned=?, canceled=?, executed=?, failed=?, ok=? WHERE id=?`,
		finishedAt.UTC().Format(time.RFC3339Nano), planned, canceled, executed, failed, boolInt(ok), id.String(),
	)
	return err
}

// Run loads one run row.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (RunSummary, error) {
	if s == nil || s.db == nil {
		return RunSummary{}, ErrDisabled
	}
	var (
		sum      RunSummary
		started  string
		finished sql.NullString
		ok       sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, clock, planned, canceled, executed, failed, ok FROM runs WHERE id = ?`,
		id.String(),
	)
	err := row.Scan(&started, &finished, &sum.Clock, &sum.Planned, &sum.Canceled, &sum.Executed, &sum.Failed, &ok)
	if err != nil {
		return RunSummary{}, err
	}
	sum.ID = id
	sum.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		sum.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	sum.OK = ok.Valid && ok.Int64 != 0
	return sum, nil
}

// ExecutionCount returns how many terminal records a run wrote with the
// given outcome.
func (s *Store) ExecutionCount(ctx context.Context, runID uuid.UUID, outcome sched.Outcome) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE run_id = ? AND outcome = ?`,
		runID.String(), string(outcome),
	).Scan(&n)
	return n, err
}

// MaxLateness returns the worst executed-job lateness of a run.
func (s *Store) MaxLateness(ctx context.Context, runID uuid.UUID) (time.Duration, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var us sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(lateness_us) FROM executions WHERE run_id = ? AND outcome = 'executed'`,
		runID.String(),
	).Scan(&us)
	if err != nil {
		return 0, err
	}
	return time.Duration(us.Int64) * time.Microsecond, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
