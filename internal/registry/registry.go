package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/scheduler"
)

var (
	// ErrJobNotFound is returned for ids the registry does not hold.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when adding an id twice.
	ErrJobExists = errors.New("job already registered")
	// ErrNotQueued is returned for queue moves on a job outside the queue.
	ErrNotQueued = errors.New("job is not auto-managed")
	// ErrQueueInvariant reports queue positions that were not dense and unique.
	ErrQueueInvariant = errors.New("queue position invariant violated")
)

// Move is a relative change of queue position.
type Move string

const (
	MoveUp     Move = "up"
	MoveDown   Move = "down"
	MoveTop    Move = "top"
	MoveBottom Move = "bottom"
)

// ParseMove validates an operator supplied move.
func ParseMove(s string) (Move, error) {
	switch m := Move(s); m {
	case MoveUp, MoveDown, MoveTop, MoveBottom:
		return m, nil
	}
	return "", fmt.Errorf("unknown queue move %q", s)
}

type entry struct {
	job      scheduler.Job
	seq      int64
	position int
}

// Registry owns the set of live jobs and the auto-managed queue order.
type Registry struct {
	mu      sync.RWMutex
	seq     int64
	entries map[domain.JobID]*entry
}

var _ scheduler.Queue = (*Registry)(nil)

func New() *Registry {
	return &Registry{entries: make(map[domain.JobID]*entry)}
}

// Add registers job. Auto-managed jobs take the next queue position; the
// assigned position is returned, or -1.
func (r *Registry) Add(job scheduler.Job, autoManaged bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := job.ID()
	if _, ok := r.entries[id]; ok {
		return 0, fmt.Errorf("add %s: %w", id, ErrJobExists)
	}
	r.seq++
	e := &entry{job: job, seq: r.seq, position: -1}
	if autoManaged {
		e.position = r.queuedLocked()
	}
	r.entries[id] = e
	return e.position, nil
}

// Remove drops the job and closes the gap it leaves in the queue.
func (r *Registry) Remove(id domain.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrJobNotFound)
	}
	delete(r.entries, id)
	r.leaveQueueLocked(e)
	return nil
}

// Get returns the job and its queue position.
func (r *Registry) Get(id domain.JobID) (scheduler.Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, -1, fmt.Errorf("get %s: %w", id, ErrJobNotFound)
	}
	return e.job, e.position, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetAutoManaged moves a job into the queue tail or out of the queue.
func (r *Registry) SetAutoManaged(id domain.JobID, on bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return -1, fmt.Errorf("set auto-managed %s: %w", id, ErrJobNotFound)
	}
	switch {
	case on && e.position < 0:
		e.position = r.queuedLocked()
	case !on && e.position >= 0:
		r.leaveQueueLocked(e)
	}
	return e.position, nil
}

// Move repositions a queued job. Moves past either end are no-ops.
func (r *Registry) Move(id domain.JobID, m Move) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return -1, fmt.Errorf("move %s: %w", id, ErrJobNotFound)
	}
	if e.position < 0 {
		return -1, fmt.Errorf("move %s: %w", id, ErrNotQueued)
	}

	last := r.queuedLocked() - 1
	target := e.position
	switch m {
	case MoveUp:
		target--
	case MoveDown:
		target++
	case MoveTop:
		target = 0
	case MoveBottom:
		target = last
	default:
		return e.position, fmt.Errorf("move %s: unknown move %q", id, m)
	}
	if target < 0 || target > last || target == e.position {
		return e.position, nil
	}

	from := e.position
	for _, other := range r.entries {
		if other == e || other.position < 0 {
			continue
		}
		switch {
		case target < from && other.position >= target && other.position < from:
			other.position++
		case target > from && other.position > from && other.position <= target:
			other.position--
		}
	}
	e.position = target
	return target, nil
}

// Snapshot returns every job: queued jobs by position, then the rest by
// insertion order. If positions are found with gaps or duplicates the queue
// is recompacted by (position, insertion order) and the repaired snapshot is
// returned together with an error wrapping ErrQueueInvariant.
func (r *Registry) Snapshot() ([]scheduler.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := make([]*entry, 0, len(r.entries))
	rest := make([]*entry, 0)
	for _, e := range r.entries {
		if e.position >= 0 {
			queued = append(queued, e)
		} else {
			rest = append(rest, e)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].position != queued[j].position {
			return queued[i].position < queued[j].position
		}
		return queued[i].seq < queued[j].seq
	})
	sort.Slice(rest, func(i, j int) bool { return rest[i].seq < rest[j].seq })

	var err error
	for i, e := range queued {
		if e.position != i {
			err = fmt.Errorf("%w: job %s at position %d, expected %d", ErrQueueInvariant, e.job.ID(), e.position, i)
			break
		}
	}
	if err != nil {
		for i, e := range queued {
			e.position = i
		}
	}

	out := make([]scheduler.Entry, 0, len(r.entries))
	for _, e := range queued {
		out = append(out, scheduler.Entry{Job: e.job, Position: e.position, Seq: e.seq})
	}
	for _, e := range rest {
		out = append(out, scheduler.Entry{Job: e.job, Position: -1, Seq: e.seq})
	}
	return out, err
}

func (r *Registry) queuedLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.position >= 0 {
			n++
		}
	}
	return n
}

func (r *Registry) leaveQueueLocked(e *entry) {
	if e.position < 0 {
		return
	}
	removed := e.position
	e.position = -1
	for _, other := range r.entries {
		if other.position > removed {
			other.position--
		}
	}
}
