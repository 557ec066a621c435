package simulation

import (
	"sync"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/scheduler"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Announce is a tracker request made by a simulated job.
type Announce struct {
	Job   domain.JobID
	Event string
	At    time.Time
}

// Tracker records announces from every job that has one configured.
type Tracker struct {
	mu        sync.Mutex
	announces []Announce
}

func (t *Tracker) announce(a Announce) {
	t.mu.Lock()
	t.announces = append(t.announces, a)
	t.mu.Unlock()
}

func (t *Tracker) Announces() []Announce {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Announce(nil), t.announces...)
}

// Started counts "started" announces.
func (t *Tracker) Started() int {
	n := 0
	for _, a := range t.Announces() {
		if a.Event == "started" {
			n++
		}
	}
	return n
}

// JobConfig describes a simulated job.
type JobConfig struct {
	Name        string
	Seed        bool
	AutoManaged bool
	Paused      bool
	Tracker     bool
	// Size in bytes to download; 0 means the swarm never completes it.
	Size int64
	// Swarm throughput while running.
	DownloadRate int64
	UploadRate   int64
}

// Job is a deterministic in-memory transfer job. Checking completes
// synchronously once a slot is granted; the swarm has no peers unless rates
// are configured.
type Job struct {
	mu sync.Mutex

	id      domain.JobID
	cfg     JobConfig
	clock   *Clock
	tracker *Tracker
	notify  func()

	state           domain.ActivityState
	paused          bool
	autoManaged     bool
	checkingAllowed bool
	announced       bool
	removed         bool
	have            int64
	checks          int
}

var _ scheduler.Job = (*Job)(nil)

func NewJob(cfg JobConfig, clock *Clock, tracker *Tracker, notify func()) *Job {
	return &Job{
		id:          domain.JobID(cfg.Name),
		cfg:         cfg,
		clock:       clock,
		tracker:     tracker,
		notify:      notify,
		state:       domain.StateCheckingResumeData,
		paused:      cfg.Paused,
		autoManaged: cfg.AutoManaged,
	}
}

func (j *Job) ID() domain.JobID { return j.id }

func (j *Job) Status() scheduler.Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := scheduler.Status{
		State:           j.state,
		Paused:          j.paused,
		AutoManaged:     j.autoManaged,
		CheckingAllowed: j.checkingAllowed,
		IsSeed:          j.state == domain.StateSeeding,
		IsFinished:      j.state == domain.StateFinished,
	}
	if j.transferringLocked() {
		if st.IsSeed {
			st.UploadRate = j.cfg.UploadRate
		} else {
			st.DownloadRate = j.cfg.DownloadRate
		}
	}
	return st
}

func (j *Job) Resume() error {
	j.mu.Lock()
	if j.removed {
		j.mu.Unlock()
		return scheduler.ErrJobRemoved
	}
	if !j.paused {
		j.mu.Unlock()
		return nil
	}
	j.paused = false
	j.announceStartLocked()
	j.mu.Unlock()
	return nil
}

func (j *Job) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return scheduler.ErrJobRemoved
	}
	if j.paused {
		return nil
	}
	j.paused = true
	if j.announced {
		j.announced = false
		j.tracker.announce(Announce{Job: j.id, Event: "stopped", At: j.clock.Now()})
	}
	return nil
}

func (j *Job) SetCheckingAllowed(allowed bool) error {
	j.mu.Lock()
	if j.removed {
		j.mu.Unlock()
		return scheduler.ErrJobRemoved
	}
	if !j.state.Checking() {
		j.checkingAllowed = false
		j.mu.Unlock()
		return nil
	}
	j.checkingAllowed = allowed
	if allowed {
		j.checkLocked()
	}
	j.mu.Unlock()
	if allowed {
		j.fire()
	}
	return nil
}

// SetAutoManaged changes the job-side flag. Callers keep the queue in step.
func (j *Job) SetAutoManaged(on bool) {
	j.mu.Lock()
	j.autoManaged = on
	j.mu.Unlock()
}

// Remove makes every later control call fail with ErrJobRemoved.
func (j *Job) Remove() {
	j.mu.Lock()
	j.removed = true
	j.mu.Unlock()
}

// Checks returns how many times the job verified its data.
func (j *Job) Checks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checks
}

// Step advances the job by d of virtual time. Jobs running outside the
// scheduler check themselves; running downloads make progress.
func (j *Job) Step(d time.Duration) {
	j.mu.Lock()
	changed := false
	if j.removed {
		j.mu.Unlock()
		return
	}
	if !j.autoManaged && !j.paused && j.state.Checking() {
		j.checkLocked()
		j.announceStartLocked()
		changed = true
	}
	if j.transferringLocked() && j.state == domain.StateDownloading && j.cfg.Size > 0 {
		j.have += j.cfg.DownloadRate * int64(d/time.Second)
		if j.have >= j.cfg.Size {
			j.have = j.cfg.Size
			j.state = domain.StateSeeding
			changed = true
		}
	}
	j.mu.Unlock()
	if changed {
		j.fire()
	}
}

func (j *Job) checkLocked() {
	j.checks++
	j.checkingAllowed = false
	if j.cfg.Seed || (j.cfg.Size > 0 && j.have >= j.cfg.Size) {
		j.state = domain.StateSeeding
		return
	}
	j.state = domain.StateDownloading
}

func (j *Job) transferringLocked() bool {
	return !j.paused && !j.state.Checking() && j.state != domain.StateError
}

// Only a job entering a running transfer state announces.
func (j *Job) announceStartLocked() {
	if !j.cfg.Tracker || j.announced || !j.transferringLocked() {
		return
	}
	j.announced = true
	j.tracker.announce(Announce{Job: j.id, Event: "started", At: j.clock.Now()})
}

func (j *Job) fire() {
	if j.notify != nil {
		j.notify()
	}
}
