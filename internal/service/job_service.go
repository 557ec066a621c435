package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

// ErrInvalidMagnet is returned for URIs that do not carry a BitTorrent info-hash.
var ErrInvalidMagnet = errors.New("invalid magnet URI")

// JobService coordinates job persistence.
type JobService interface {
	CreateJob(ctx context.Context, magnetURI, savePath string, queueOrder int) (*domain.Job, error)
	GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	SaveResume(ctx context.Context, id domain.JobID, state repository.ResumeState) error
	RecordError(ctx context.Context, id domain.JobID, message string) error
	DeleteJob(ctx context.Context, id domain.JobID) error
}

type jobService struct {
	jobs repository.JobRepository
}

func NewJobService(jobs repository.JobRepository) JobService {
	return &jobService{jobs: jobs}
}

func (s *jobService) CreateJob(ctx context.Context, magnetURI, savePath string, queueOrder int) (*domain.Job, error) {
	magnetURI = strings.TrimSpace(magnetURI)
	if magnetURI == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMagnet)
	}
	m, err := metainfo.ParseMagnetUri(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}

	job := &domain.Job{
		ID:         domain.JobID(uuid.NewString()),
		MagnetURI:  magnetURI,
		InfoHash:   m.InfoHash.HexString(),
		Name:       m.DisplayName,
		SavePath:   savePath,
		QueueOrder: queueOrder,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *jobService) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.jobs.List(ctx)
}

func (s *jobService) SaveResume(ctx context.Context, id domain.JobID, state repository.ResumeState) error {
	return s.jobs.UpdateResume(ctx, id, state)
}

func (s *jobService) RecordError(ctx context.Context, id domain.JobID, message string) error {
	return s.jobs.UpdateError(ctx, id, message)
}

func (s *jobService) DeleteJob(ctx context.Context, id domain.JobID) error {
	return s.jobs.Delete(ctx, id)
}
