package cron

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Job is one scheduled invocation of the agent.
type Job struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Name       string     `json:"name,omitempty"`
	Expression string     `json:"expression"`
	Prompt     string     `json:"prompt"`
	Enabled    bool       `json:"enabled"`
	NextFireAt time.Time  `json:"next_fire_at"` // UTC
	LastFireAt *time.Time `json:"last_fire_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	expression   TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 1,
	next_fire_at INTEGER NOT NULL,
	last_fire_at INTEGER,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_next ON cron_jobs(next_fire_at);
`

const jobColumns = `id, session_id, name, expression, prompt, enabled, next_fire_at, last_fire_at, created_at`

// Store is the sqlite-backed job table. Job ids are monotonic and never
// reused, even across delete and restart.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// OpenStore opens (creating if needed) the job table at path. loc is
// the evaluation timezone for 5-field expressions.
func OpenStore(path string, loc *time.Location) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cron db %s: %w", path, err)
	}
	// modernc sqlite serializes writers; a single conn avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cron schema: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, loc: loc, now: time.Now}, nil
}

// Add validates the expression, computes the first fire time, and
// inserts the job enabled. name is an optional operator label.
func (s *Store) Add(sessionID, expression, prompt, name string) (*Job, error) {
	now := s.now()
	sched, err := ParseExpression(expression, now)
	if err != nil {
		return nil, err
	}
	next, err := sched.Next(now, s.loc)
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(
		`INSERT INTO cron_jobs (session_id, name, expression, prompt, enabled, next_fire_at, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		sessionID, name, expression, prompt, next.Unix(), now.UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert cron job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:         id,
		SessionID:  sessionID,
		Name:       name,
		Expression: expression,
		Prompt:     prompt,
		Enabled:    true,
		NextFireAt: next,
		CreatedAt:  now.UTC(),
	}, nil
}

// List returns all jobs ordered by next fire time.
func (s *Store) List() ([]*Job, error) {
	return s.query(`SELECT ` + jobColumns + ` FROM cron_jobs ORDER BY next_fire_at ASC`)
}

// ListSession returns the jobs belonging to one session.
func (s *Store) ListSession(sessionID string) ([]*Job, error) {
	return s.query(`SELECT `+jobColumns+` FROM cron_jobs WHERE session_id = ? ORDER BY next_fire_at ASC`, sessionID)
}

// Due returns enabled jobs whose fire time is at or before now.
// Disabled jobs stay in the table but never fire.
func (s *Store) Due(now time.Time) ([]*Job, error) {
	return s.query(`SELECT `+jobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_fire_at <= ? ORDER BY next_fire_at ASC`, now.Unix())
}

func (s *Store) query(q string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var enabled int
		var next, created int64
		var lastFire sql.NullInt64
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Name, &j.Expression, &j.Prompt, &enabled, &next, &lastFire, &created); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		j.NextFireAt = time.Unix(next, 0).UTC()
		if lastFire.Valid {
			t := time.Unix(lastFire.Int64, 0).UTC()
			j.LastFireAt = &t
		}
		j.CreatedAt = time.Unix(created, 0).UTC()
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Remove deletes a job. Removing an unknown id is an error.
func (s *Store) Remove(id int64) error {
	res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cron job %d not found", id)
	}
	return nil
}

// SetEnabled pauses or resumes a job without losing its schedule.
func (s *Store) SetEnabled(id int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE cron_jobs SET enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("update cron job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cron job %d not found", id)
	}
	return nil
}

// SetNextFire advances a job's fire time.
func (s *Store) SetNextFire(id int64, next time.Time) error {
	_, err := s.db.Exec(`UPDATE cron_jobs SET next_fire_at = ? WHERE id = ?`, next.Unix(), id)
	return err
}

// MarkFired records that the job fired at t.
func (s *Store) MarkFired(id int64, t time.Time) error {
	_, err := s.db.Exec(`UPDATE cron_jobs SET last_fire_at = ? WHERE id = ?`, t.Unix(), id)
	return err
}

func (s *Store) Close() error { return s.db.Close() }
