package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/swarm/internal/reputation"
)

// DB is the SQLite Store.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS agent_profiles (
    id TEXT PRIMARY KEY,
    reputation REAL NOT NULL,
    active_tasks INTEGER NOT NULL DEFAULT 0,
    completed_tasks INTEGER NOT NULL DEFAULT 0,
    success_rate REAL NOT NULL DEFAULT 0,
    avg_completion_ns INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    task_id TEXT PRIMARY KEY,
    assignees TEXT NOT NULL,
    pending TEXT NOT NULL DEFAULT '[]',
    total_reward TEXT NOT NULL,
    deadline INTEGER NOT NULL,
    assigned_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
    proposal_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    proposer_id TEXT NOT NULL,
    solution_hash TEXT NOT NULL,
    solution_uri TEXT,
    status TEXT NOT NULL,
    support_weight REAL NOT NULL,
    reject_weight REAL NOT NULL,
    total_votes INTEGER NOT NULL,
    early INTEGER NOT NULL DEFAULT 0,
    decided_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status);
CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_decided ON outcomes(decided_at DESC);`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before per-assignee tracking lack the pending column.
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('assignments') WHERE name = 'pending'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		_, err := d.db.Exec(`ALTER TABLE assignments ADD COLUMN pending TEXT NOT NULL DEFAULT '[]'`)
		return err
	}
	return nil
}

// --- Profiles ---

// SaveProfile upserts a profile. A write older than the stored row is
// ignored, so persists that land out of order cannot roll a profile back.
func (d *DB) SaveProfile(p reputation.Profile) error {
	_, err := d.db.Exec(
		`INSERT INTO agent_profiles (id, reputation, active_tasks, completed_tasks, success_rate, avg_completion_ns, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     reputation = excluded.reputation,
		     active_tasks = excluded.active_tasks,
		     completed_tasks = excluded.completed_tasks,
		     success_rate = excluded.success_rate,
		     avg_completion_ns = excluded.avg_completion_ns,
		     updated_at = excluded.updated_at
		 WHERE excluded.updated_at >= agent_profiles.updated_at`,
		p.ID, p.Reputation, p.ActiveTasks, p.CompletedTasks, p.SuccessRate,
		int64(p.AvgCompletionTime), toNanos(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// LoadProfiles returns every stored profile ordered by id.
func (d *DB) LoadProfiles(ctx context.Context) ([]reputation.Profile, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, reputation, active_tasks, completed_tasks, success_rate, avg_completion_ns, updated_at
		 FROM agent_profiles ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	var out []reputation.Profile
	for rows.Next() {
		var p reputation.Profile
		var avg, updated int64
		if err := rows.Scan(&p.ID, &p.Reputation, &p.ActiveTasks, &p.CompletedTasks, &p.SuccessRate, &avg, &updated); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.AvgCompletionTime = time.Duration(avg)
		p.UpdatedAt = fromNanos(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Assignments ---

// SaveAssignment inserts or replaces an assignment record.
func (d *DB) SaveAssignment(ctx context.Context, a Assignment) error {
	assignees, err := json.Marshal(a.Assignees)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	if a.Pending == nil {
		a.Pending = []string{}
	}
	pending, err := json.Marshal(a.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	if a.Status == "" {
		a.Status = AssignmentActive
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.AssignedAt
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO assignments (task_id, assignees, pending, total_reward, deadline, assigned_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, string(assignees), string(pending), a.TotalReward, toNanos(a.Deadline), toNanos(a.AssignedAt), a.Status, toNanos(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.TaskID, err)
	}
	return nil
}

// SetAssignmentStatus updates the status of a stored assignment.
func (d *DB) SetAssignmentStatus(ctx context.Context, taskID, status string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE assignments SET status = ?, updated_at = ? WHERE task_id = ?`,
		status, time.Now().UnixNano(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set assignment status %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set assignment status %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s: %w", taskID, ErrNotFound)
	}
	return nil
}

const assignmentColumns = `task_id, assignees, pending, total_reward, deadline, assigned_at, status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	var assignees, pending string
	var deadline, assigned, updated int64
	if err := row.Scan(&a.TaskID, &assignees, &pending, &a.TotalReward, &deadline, &assigned, &a.Status, &updated); err != nil {
		return Assignment{}, err
	}
	if err := json.Unmarshal([]byte(assignees), &a.Assignees); err != nil {
		return Assignment{}, fmt.Errorf("decode assignees of %s: %w", a.TaskID, err)
	}
	if err := json.Unmarshal([]byte(pending), &a.Pending); err != nil {
		return Assignment{}, fmt.Errorf("decode pending of %s: %w", a.TaskID, err)
	}
	a.Deadline = fromNanos(deadline)
	a.AssignedAt = fromNanos(assigned)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

// GetAssignment retrieves an assignment by task id.
func (d *DB) GetAssignment(ctx context.Context, taskID string) (Assignment, error) {
	a, err := scanAssignment(d.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE task_id = ?`, taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("assignment %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("get assignment %s: %w", taskID, err)
	}
	return a, nil
}

// ListAssignments returns the assignments in status, oldest first.
func (d *DB) ListAssignments(ctx context.Context, status string) ([]Assignment, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE status = ? ORDER BY assigned_at, task_id`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Outcomes ---

// SaveOutcome records a proposal's terminal state. The first record for a
// proposal wins.
func (d *DB) SaveOutcome(ctx context.Context, o Outcome) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO outcomes (proposal_id, task_id, proposer_id, solution_hash, solution_uri, status,
		     support_weight, reject_weight, total_votes, early, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(proposal_id) DO NOTHING`,
		o.ProposalID, o.TaskID, o.ProposerID, o.SolutionHash, o.SolutionURI, o.Status,
		o.SupportWeight, o.RejectWeight, o.TotalVotes, boolToInt(o.Early), toNanos(o.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", o.ProposalID, err)
	}
	return nil
}

const outcomeColumns = `proposal_id, task_id, proposer_id, solution_hash, solution_uri, status,
    support_weight, reject_weight, total_votes, early, decided_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(s scanner) (Outcome, error) {
	var o Outcome
	var uri sql.NullString
	var early int
	var decided int64
	err := s.Scan(&o.ProposalID, &o.TaskID, &o.ProposerID, &o.SolutionHash, &uri, &o.Status,
		&o.SupportWeight, &o.RejectWeight, &o.TotalVotes, &early, &decided)
	if err != nil {
		return Outcome{}, err
	}
	o.SolutionURI = uri.String
	o.Early = early == 1
	o.DecidedAt = fromNanos(decided)
	return o, nil
}

// GetOutcome retrieves the outcome of a proposal.
func (d *DB) GetOutcome(ctx context.Context, proposalID string) (Outcome, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE proposal_id = ?`, proposalID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, fmt.Errorf("outcome %s: %w", proposalID, ErrNotFound)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("get outcome %s: %w", proposalID, err)
	}
	return o, nil
}

// ListOutcomes returns the most recent outcomes first.
func (d *DB) ListOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
