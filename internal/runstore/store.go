// Package runstore keeps a SQLite ledger of batch runs and PR attempts.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/crab-verify/internal/domain"
)

// Run is one batch invocation
type Run struct {
	ID         string
	Candidates string
	OutputPath string
	Workers    int
	Status     domain.RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Total      int
	Successful int
}

// Attempt is the processing of one PR within a run
type Attempt struct {
	RunID       string
	Repo        string
	PRNumber    int
	Worker      string
	Status      domain.AttemptStatus
	State       domain.State
	Reason      string
	BuildSystem string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Duration returns how long the attempt took, or has taken so far
func (a *Attempt) Duration(now time.Time) time.Duration {
	if a.FinishedAt != nil {
		return a.FinishedAt.Sub(a.StartedAt)
	}
	return now.Sub(a.StartedAt)
}

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// workers share the ledger; one connection serializes writers and
	// keeps ":memory:" databases consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new run
func (s *Store) StartRun(run *Run) error {
	if run.Status == "" {
		run.Status = domain.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, candidates, output_path, workers, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Candidates, run.OutputPath, run.Workers, string(run.Status), run.StartedAt.UTC())
	return err
}

// FinishRun stores the final status and totals of a run
func (s *Store) FinishRun(id string, status domain.RunStatus, total, successful int) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, finished_at = ?, total = ?, successful = ? WHERE id = ?`,
		string(status), time.Now().UTC(), total, successful, id)
	if err != nil {
		return err
	}
	return expectOne(res, "run "+id)
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, candidates, output_path, workers, status, started_at, finished_at, total, successful
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// LatestRun returns the most recently started run, or nil when none exists
func (s *Store) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, candidates, output_path, workers, status, started_at, finished_at, total, successful
		FROM runs ORDER BY started_at DESC LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// StartAttempt marks a PR as in progress. A repeated attempt within the
// same run replaces the earlier one.
func (s *Store) StartAttempt(runID, repo string, pr int, worker string) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (run_id, repo, pr_number, worker, status, state, reason, build_system, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, NULL)
		ON CONFLICT(run_id, repo, pr_number) DO UPDATE SET
			worker = excluded.worker,
			status = excluded.status,
			state = excluded.state,
			reason = excluded.reason,
			build_system = excluded.build_system,
			started_at = excluded.started_at,
			finished_at = NULL
	`, runID, repo, pr, worker, string(domain.AttemptInProgress), string(domain.StateSetup),
		domain.ReasonInProgress, time.Now().UTC())
	return err
}

// UpdateAttemptState records the state an in-progress attempt reached
func (s *Store) UpdateAttemptState(runID, repo string, pr int, state domain.State) error {
	res, err := s.db.Exec(`UPDATE attempts SET state = ? WHERE run_id = ? AND repo = ? AND pr_number = ?`,
		string(state), runID, repo, pr)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("attempt %s#%d", repo, pr))
}

// FinishAttempt stores the outcome of an entry
func (s *Store) FinishAttempt(runID string, e *domain.Entry) error {
	status := domain.AttemptSucceeded
	if !e.Metadata.Successful {
		status = domain.AttemptFailed
	}
	state := domain.StateDone
	if e.Verification != nil && e.Verification.State != "" {
		state = e.Verification.State
	} else if !e.Metadata.Successful {
		state = domain.StateFailed
	}
	res, err := s.db.Exec(`
		UPDATE attempts SET status = ?, state = ?, reason = ?, build_system = ?, finished_at = ?
		WHERE run_id = ? AND repo = ? AND pr_number = ?
	`, string(status), string(state), e.Metadata.ReasonForFailure, e.Metadata.BuildSystem, time.Now().UTC(),
		runID, e.Metadata.Repo, e.Metadata.PRNumber)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("attempt %s#%d", e.Metadata.Repo, e.Metadata.PRNumber))
}

// ListOptions specifies filters for listing attempts
type ListOptions struct {
	RunID  string
	Repo   string
	Status domain.AttemptStatus
}

// ListAttempts returns attempts matching the given options
func (s *Store) ListAttempts(opts ListOptions) ([]*Attempt, error) {
	query := `SELECT run_id, repo, pr_number, worker, status, state, reason, build_system, started_at, finished_at FROM attempts WHERE 1=1`
	var args []interface{}

	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY started_at, repo, pr_number"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ReasonCounts returns how many finished attempts of a run ended with
// each reason
func (s *Store) ReasonCounts(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT reason, COUNT(*) FROM attempts
		WHERE run_id = ? AND status != ?
		GROUP BY reason
	`, runID, string(domain.AttemptInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason sql.NullString
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason.String] = n
	}
	return counts, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status string
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Candidates, &run.OutputPath, &run.Workers, &status,
		&run.StartedAt, &finished, &run.Total, &run.Successful)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanAttempt(row scanner) (*Attempt, error) {
	var a Attempt
	var worker, reason, buildSystem sql.NullString
	var status, state string
	var finished sql.NullTime
	err := row.Scan(&a.RunID, &a.Repo, &a.PRNumber, &worker, &status, &state, &reason, &buildSystem,
		&a.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	a.Worker = worker.String
	a.Status = domain.AttemptStatus(status)
	a.State = domain.State(state)
	a.Reason = reason.String
	a.BuildSystem = buildSystem.String
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	return &a, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}
