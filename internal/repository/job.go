package repository

import (
	"context"
	"errors"

	"magnet-queue/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("already exists")
)

// JobRepository exposes persistence operations for transfer jobs.
type JobRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)
	// List returns jobs in reload order: queued jobs by queue order, then the
	// rest by insertion order.
	List(ctx context.Context) ([]domain.Job, error)
	UpdateResume(ctx context.Context, id domain.JobID, state ResumeState) error
	UpdateError(ctx context.Context, id domain.JobID, message string) error
	Delete(ctx context.Context, id domain.JobID) error
}

// ResumeState is the periodically saved part of a job.
type ResumeState struct {
	Name       string
	InfoHash   string
	QueueOrder int
	ResumeData []byte
}
