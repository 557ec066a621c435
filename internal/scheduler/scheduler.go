package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
)

// Recorder receives the outcome of every tick.
type Recorder interface {
	RecordTick(r Report)
}

type Config struct {
	Queue    Queue
	Limits   LimitsSource
	Interval time.Duration
	Clock    func() time.Time
	Bus      *Bus
	Recorder Recorder
	Logger   *logrus.Logger
}

// JobReport is one job's outcome in a tick.
type JobReport struct {
	ID       domain.JobID
	Position int
	State    domain.ActivityState
	Paused   bool
	Managed  bool
	Category Category
	Slow     bool
	Tag      Tag
	Tagged   bool
}

// Report summarises a tick.
type Report struct {
	At          time.Time
	Limits      Limits
	Before      Counts
	Target      Counts
	Jobs        []JobReport
	Transitions int
	Failures    int
	Duration    time.Duration
}

// Scheduler decides which auto-managed jobs run.
type Scheduler struct {
	cfg        Config
	classifier *Classifier
	executor   *Executor
	trigger    chan struct{}

	mu   sync.Mutex
	last Report
}

type staticLimits Limits

func (l staticLimits) Limits() Limits { return Limits(l) }

func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("scheduler queue is required")
	}
	if cfg.Limits == nil {
		cfg.Limits = staticLimits(DefaultLimits())
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Scheduler{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Logger),
		executor:   NewExecutor(cfg.Bus),
		trigger:    make(chan struct{}, 1),
	}, nil
}

// Bus returns the bus events are published on.
func (s *Scheduler) Bus() *Bus { return s.cfg.Bus }

// Trigger requests a tick as soon as possible. Concurrent requests coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run ticks on the configured interval and on every trigger until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.cfg.Logger.Infof("scheduler started, interval %s", s.cfg.Interval)
	s.Tick()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		case <-s.trigger:
			s.Tick()
		}
	}
}

// LastReport returns the report of the most recent tick.
func (s *Scheduler) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Tick runs one classification, admission and execution round.
func (s *Scheduler) Tick() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	now := s.cfg.Clock()
	limits := s.cfg.Limits.Limits()
	report := Report{At: now, Limits: limits}

	entries, err := s.cfg.Queue.Snapshot()
	if err != nil {
		if entries == nil {
			s.cfg.Logger.Errorf("snapshot queue: %v", err)
			return report
		}
		s.cfg.Logger.Errorf("queue repaired: %v", err)
	}

	jobs := make(map[domain.JobID]Job, len(entries))
	index := make(map[domain.JobID]int, len(entries))
	cands := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		id := e.Job.ID()
		jobs[id] = e.Job
		index[id] = len(cands)
		cands = append(cands, s.observe(e.Job, e.Position, limits, now))
	}
	alive := make(map[domain.JobID]struct{}, len(jobs))
	for id := range jobs {
		alive[id] = struct{}{}
	}
	s.classifier.Prune(alive)
	report.Before = Account(cands, limits.DontCountSlowTorrents)

	tags := make(map[domain.JobID]Tag, len(cands))
	apply := func(c Candidate, pool Pool, tag Tag) int {
		n, err := s.executor.Apply(jobs[c.ID], c.Status, pool, tag, now)
		report.Transitions += n
		if err != nil {
			report.Failures++
			s.cfg.Logger.WithField("job_id", c.ID).Warnf("apply %s: %v", tag, err)
		}
		return n
	}

	// Jobs that finish checking inside the tick free their slot for the next
	// checker and join the transfer pass below.
	for round := 0; round <= len(cands); round++ {
		pools := Partition(cands)
		if len(pools.Checking) == 0 {
			break
		}
		checkTags := CheckingPass(pools.Checking, limits)
		left := false
		for _, c := range pools.Checking {
			tag := checkTags[c.ID]
			tags[c.ID] = tag
			if apply(c, PoolChecking, tag) == 0 {
				continue
			}
			i := index[c.ID]
			cands[i] = s.observe(jobs[c.ID], c.Position, limits, now)
			if !cands[i].Status.State.Checking() {
				delete(tags, c.ID)
				left = true
			}
		}
		if !left {
			break
		}
	}

	pools := Partition(cands)
	transferTags := TransferPass(pools, limits)
	for _, group := range [][]Candidate{pools.Downloads, pools.Seeds} {
		for _, c := range group {
			tag := transferTags[c.ID]
			tags[c.ID] = tag
			apply(c, PoolTransfer, tag)
		}
	}

	report.Target = CountTags(tags)
	report.Jobs = make([]JobReport, 0, len(cands))
	for _, c := range cands {
		tag, tagged := tags[c.ID]
		report.Jobs = append(report.Jobs, JobReport{
			ID:       c.ID,
			Position: c.Position,
			State:    c.Status.State,
			Paused:   c.Status.Paused,
			Managed:  c.Managed(),
			Category: c.Class.Category,
			Slow:     c.Class.Slow,
			Tag:      tag,
			Tagged:   tagged,
		})
	}
	report.Duration = time.Since(started)

	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordTick(report)
	}
	s.last = report
	return report
}

func (s *Scheduler) observe(job Job, position int, limits Limits, now time.Time) Candidate {
	id := job.ID()
	st := job.Status()
	class, change := s.classifier.Classify(id, st, limits, now)
	if change != nil {
		s.cfg.Bus.Publish(StateChanged{eventBase: newBase(id, now), Change: *change})
	}
	return Candidate{ID: id, Position: position, Status: st, Class: class}
}
