package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Pool selects which half of a job's state the executor reconciles.
type Pool int

const (
	PoolChecking Pool = iota
	PoolTransfer
)

// Executor applies admission tags to live jobs, acting only where the job's
// current state differs from the target.
type Executor struct {
	bus *Bus
}

func NewExecutor(bus *Bus) *Executor {
	return &Executor{bus: bus}
}

// Apply reconciles job with tag. It returns the number of calls made on the
// job. A removed job is not an error.
func (e *Executor) Apply(job Job, st Status, pool Pool, tag Tag, now time.Time) (int, error) {
	var (
		acted int
		err   error
	)
	switch pool {
	case PoolChecking:
		acted, err = e.applyChecking(job, st, tag, now)
	default:
		acted, err = e.applyTransfer(job, st, tag, now)
	}
	if errors.Is(err, ErrJobRemoved) {
		return acted, nil
	}
	return acted, err
}

func (e *Executor) applyChecking(job Job, st Status, tag Tag, now time.Time) (int, error) {
	want := tag == TagChecking
	acted := 0
	if want != st.CheckingAllowed {
		if err := job.SetCheckingAllowed(want); err != nil {
			return acted, fmt.Errorf("set checking allowed: %w", err)
		}
		acted++
		if want {
			e.bus.Publish(CheckingStarted{newBase(job.ID(), now)})
		} else {
			e.bus.Publish(CheckingStopped{newBase(job.ID(), now)})
		}
	}
	// a queued checker must not transfer
	if !want && st.Running() {
		if err := job.Pause(); err != nil {
			return acted, fmt.Errorf("pause job: %w", err)
		}
		acted++
		e.bus.Publish(JobPaused{newBase(job.ID(), now)})
	}
	return acted, nil
}

func (e *Executor) applyTransfer(job Job, st Status, tag Tag, now time.Time) (int, error) {
	want := tag.Running()
	switch {
	case want && !st.Running():
		if err := job.Resume(); err != nil {
			return 0, fmt.Errorf("resume job: %w", err)
		}
		e.bus.Publish(JobResumed{newBase(job.ID(), now)})
		return 1, nil
	case !want && st.Running():
		if err := job.Pause(); err != nil {
			return 0, fmt.Errorf("pause job: %w", err)
		}
		e.bus.Publish(JobPaused{newBase(job.ID(), now)})
		return 1, nil
	}
	return 0, nil
}
