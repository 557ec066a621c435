package simulation

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/registry"
	"magnet-queue/internal/scheduler"
)

// Epoch is the virtual start time of every run.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Scenario is a reproducible auto-management run.
type Scenario struct {
	Name        string
	Description string
	Limits      scheduler.Limits
	Jobs        []JobConfig
	Duration    time.Duration
	Step        time.Duration
}

// Record is one scheduler event seen during a run.
type Record struct {
	Offset time.Duration
	Job    domain.JobID
	Kind   string
	Detail string
}

// Result is the outcome of a run.
type Result struct {
	Scenario      Scenario
	Events        []Record
	Announces     []Announce
	Jobs          []*Job
	Ticks         int
	PeakDownloads int
	PeakSeeds     int
	PeakChecking  int
	PeakRunning   int
}

// Count returns the number of events of kind.
func (r Result) Count(kind string) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Offsets returns the offsets of events of kind in order.
func (r Result) Offsets(kind string) []time.Duration {
	var out []time.Duration
	for _, ev := range r.Events {
		if ev.Kind == kind {
			out = append(out, ev.Offset)
		}
	}
	return out
}

// Running returns how many jobs are unpaused at the end of the run.
func (r Result) Running() int {
	n := 0
	for _, j := range r.Jobs {
		if j.Status().Running() {
			n++
		}
	}
	return n
}

const (
	KindResumed         = "resumed"
	KindPaused          = "paused"
	KindCheckingStarted = "checking_started"
	KindCheckingStopped = "checking_stopped"
	KindStateChanged    = "state_changed"
)

// Run executes the scenario on a virtual clock, ticking the scheduler once
// per step.
func Run(sc Scenario, logger *logrus.Logger) (Result, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if sc.Step <= 0 {
		sc.Step = time.Second
	}
	if err := sc.Limits.Validate(); err != nil {
		return Result{}, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	clock := NewClock(Epoch)
	tracker := &Tracker{}
	reg := registry.New()
	bus := scheduler.NewBus()
	limits, err := scheduler.NewLimitsStore(sc.Limits)
	if err != nil {
		return Result{}, err
	}
	sched, err := scheduler.New(scheduler.Config{
		Queue:    reg,
		Limits:   limits,
		Interval: sc.Step,
		Clock:    clock.Now,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Scenario: sc}
	bus.Subscribe(func(ev scheduler.Event) {
		rec := Record{Offset: ev.At().Sub(Epoch), Job: ev.JobID()}
		switch e := ev.(type) {
		case scheduler.JobResumed:
			rec.Kind = KindResumed
		case scheduler.JobPaused:
			rec.Kind = KindPaused
		case scheduler.CheckingStarted:
			rec.Kind = KindCheckingStarted
		case scheduler.CheckingStopped:
			rec.Kind = KindCheckingStopped
		case scheduler.StateChanged:
			rec.Kind = KindStateChanged
			rec.Detail = fmt.Sprintf("%s -> %s (%s)", e.PrevCategory, e.Category, e.State)
		}
		res.Events = append(res.Events, rec)
	})

	for i, cfg := range sc.Jobs {
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("job-%02d", i)
		}
		job := NewJob(cfg, clock, tracker, sched.Trigger)
		if _, err := reg.Add(job, cfg.AutoManaged); err != nil {
			return Result{}, err
		}
		res.Jobs = append(res.Jobs, job)
	}

	for elapsed := time.Duration(0); elapsed <= sc.Duration; elapsed += sc.Step {
		for _, j := range res.Jobs {
			j.Step(sc.Step)
		}
		sched.Tick()
		res.Ticks++
		res.observePeaks()
		clock.Advance(sc.Step)
	}

	res.Announces = tracker.Announces()
	return res, nil
}

func (r *Result) observePeaks() {
	var downloads, seeds, checking, running int
	for _, j := range r.Jobs {
		st := j.Status()
		if !st.AutoManaged {
			continue
		}
		switch {
		case st.State.Checking():
			if st.CheckingAllowed {
				checking++
			}
		case st.Running() && st.SeedSide():
			seeds++
		case st.Running():
			downloads++
		}
		if st.Running() {
			running++
		}
	}
	r.PeakDownloads = max(r.PeakDownloads, downloads)
	r.PeakSeeds = max(r.PeakSeeds, seeds)
	r.PeakChecking = max(r.PeakChecking, checking)
	r.PeakRunning = max(r.PeakRunning, running)
}

// Names lists the built-in scenarios in a stable order.
func Names() []string {
	all := Scenarios()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scenarios returns the built-in scenarios keyed by name.
func Scenarios() map[string]Scenario {
	const jobs = 10
	base := scheduler.DefaultLimits()
	span := time.Duration(jobs+1) * base.SlowGracePeriod

	build := func(n int, cfg JobConfig) []JobConfig {
		out := make([]JobConfig, n)
		for i := range out {
			out[i] = cfg
			out[i].Name = fmt.Sprintf("job-%02d", i)
		}
		return out
	}
	with := func(fn func(*scheduler.Limits)) scheduler.Limits {
		l := base
		fn(&l)
		return l
	}

	return map[string]Scenario{
		"dont-count-slow": {
			Name:        "dont-count-slow",
			Description: "idle downloads become slow one by one and stop counting against the limit",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveDownloads = 1
				l.DontCountSlowTorrents = true
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: true, Paused: true}),
			Duration: span,
		},
		"count-slow": {
			Name:        "count-slow",
			Description: "slow downloads keep counting, so only one ever runs",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveDownloads = 1
				l.DontCountSlowTorrents = false
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: true, Paused: true}),
			Duration: span,
		},
		"force-stopped": {
			Name:        "force-stopped",
			Description: "paused jobs outside the queue are never touched",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveDownloads = 10
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: false, Paused: true}),
			Duration: span,
		},
		"force-started": {
			Name:        "force-started",
			Description: "running jobs outside the queue are never paused",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveDownloads = 1
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: false, Paused: false}),
			Duration: span,
		},
		"seed-limit": {
			Name:        "seed-limit",
			Description: "at most three seeds run at once",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveSeeds = 3
				l.DontCountSlowTorrents = false
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: true, Paused: true, Seed: true}),
			Duration: span,
		},
		"download-limit": {
			Name:        "download-limit",
			Description: "at most three downloads run at once",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveDownloads = 3
				l.DontCountSlowTorrents = false
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: true, Paused: true}),
			Duration: span,
		},
		"checking-announce": {
			Name:        "checking-announce",
			Description: "seeds that check and stay queued never announce",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveSeeds = 1
				l.DontCountSlowTorrents = false
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: true, Paused: true, Seed: true, Tracker: true}),
			Duration: span,
		},
		"paused-checking": {
			Name:        "paused-checking",
			Description: "force-stopped seeds never leave their checking state",
			Limits: with(func(l *scheduler.Limits) {
				l.ActiveChecking = 1
			}),
			Jobs:     build(jobs, JobConfig{AutoManaged: false, Paused: true, Seed: true}),
			Duration: span,
		},
	}
}
