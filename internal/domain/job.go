package domain

import "time"

// JobID identifies a transfer job for its whole lifetime.
type JobID string

func (id JobID) String() string { return string(id) }

// ActivityState is the engine-reported activity of a job.
type ActivityState string

const (
	StateCheckingResumeData ActivityState = "checking_resume_data"
	StateCheckingFiles      ActivityState = "checking_files"
	StateAllocating         ActivityState = "allocating"
	StateDownloading        ActivityState = "downloading"
	StateFinished           ActivityState = "finished"
	StateSeeding            ActivityState = "seeding"
	StateError              ActivityState = "error"
)

// Known reports whether s is one of the states the engine emits.
func (s ActivityState) Known() bool {
	switch s {
	case StateCheckingResumeData, StateCheckingFiles, StateAllocating,
		StateDownloading, StateFinished, StateSeeding, StateError:
		return true
	}
	return false
}

// Checking reports whether the job is verifying on-disk data.
func (s ActivityState) Checking() bool {
	return s == StateCheckingResumeData || s == StateCheckingFiles
}

// Job represents a persisted transfer job.
type Job struct {
	ID           JobID
	Seq          int64
	MagnetURI    string
	InfoHash     string
	Name         string
	SavePath     string
	QueueOrder   int
	ResumeData   []byte
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
