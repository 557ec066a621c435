package scheduler

import (
	"errors"

	"magnet-queue/internal/domain"
)

// ErrJobRemoved is returned by a Job whose underlying transfer is gone.
// The executor treats it as a no-op.
var ErrJobRemoved = errors.New("job removed")

// Status is a point-in-time view of a job as the scheduler needs it.
type Status struct {
	State           domain.ActivityState
	Paused          bool
	AutoManaged     bool
	CheckingAllowed bool
	IsSeed          bool
	IsFinished      bool
	DownloadRate    int64
	UploadRate      int64
}

// Running reports whether the job is allowed to transfer.
func (s Status) Running() bool { return !s.Paused }

// SeedSide reports whether the job belongs to the seed pool.
func (s Status) SeedSide() bool { return s.IsSeed || s.IsFinished }

// Job is the control surface the scheduler drives.
//
// Resume and Pause must be idempotent. SetCheckingAllowed grants or revokes a
// checking slot and never changes the paused flag.
type Job interface {
	ID() domain.JobID
	Status() Status
	Resume() error
	Pause() error
	SetCheckingAllowed(allowed bool) error
}

// Entry is one job as seen through the queue at snapshot time.
// Position is -1 for jobs outside the auto-managed queue.
type Entry struct {
	Job      Job
	Position int
	Seq      int64
}

// Queue yields an ordered, validated snapshot of all registered jobs.
// A non-nil error with a non-nil slice means the queue was repaired and the
// returned snapshot is usable.
type Queue interface {
	Snapshot() ([]Entry, error)
}
