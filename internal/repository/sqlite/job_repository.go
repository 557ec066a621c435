package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	magnet_uri TEXT NOT NULL,
	info_hash TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	save_path TEXT NOT NULL DEFAULT '',
	queue_order INTEGER NOT NULL DEFAULT -1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Jobs are added before metadata arrives, so only known hashes are unique.
const createInfoHashIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_info_hash ON jobs(info_hash) WHERE info_hash != '';
`

const jobColumns = `seq, id, magnet_uri, info_hash, name, save_path, queue_order, resume_data, error_message, created_at, updated_at`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	if err := r.ensureJobColumns(ctx); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createInfoHashIndex); err != nil {
		return fmt.Errorf("create info hash index: %w", err)
	}
	return nil
}

// ensureJobColumns adds columns introduced after the first schema.
func (r *JobRepository) ensureJobColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return fmt.Errorf("describe jobs table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("resume_data", `ALTER TABLE jobs ADD COLUMN resume_data BLOB NULL`); err != nil {
		return err
	}
	if err := addColumn("error_message", `ALTER TABLE jobs ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, magnet_uri, info_hash, name, save_path, queue_order, resume_data, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID),
		job.MagnetURI,
		job.InfoHash,
		job.Name,
		job.SavePath,
		job.QueueOrder,
		job.ResumeData,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("job %s: %w", job.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job last insert id: %w", err)
	}
	job.Seq = seq
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
ORDER BY CASE WHEN queue_order < 0 THEN 1 ELSE 0 END, queue_order, seq`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) UpdateResume(ctx context.Context, id domain.JobID, state repository.ResumeState) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET name = CASE WHEN ? = '' THEN name ELSE ? END,
	info_hash = CASE WHEN ? = '' THEN info_hash ELSE ? END,
	queue_order = ?,
	resume_data = ?,
	updated_at = ?
WHERE id = ?`,
		state.Name, state.Name,
		state.InfoHash, state.InfoHash,
		state.QueueOrder,
		state.ResumeData,
		time.Now().UTC(),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("update job resume data: %w", err)
	}
	return expectRow(res, id)
}

func (r *JobRepository) UpdateError(ctx context.Context, id domain.JobID, message string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET error_message = ?, updated_at = ?
WHERE id = ?`,
		message,
		time.Now().UTC(),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("update job error: %w", err)
	}
	return expectRow(res, id)
}

func (r *JobRepository) Delete(ctx context.Context, id domain.JobID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id domain.JobID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		job domain.Job
		id  string
	)
	if err := row.Scan(
		&job.Seq,
		&id,
		&job.MagnetURI,
		&job.InfoHash,
		&job.Name,
		&job.SavePath,
		&job.QueueOrder,
		&job.ResumeData,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.ID = domain.JobID(id)
	return &job, nil
}
