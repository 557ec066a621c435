package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
)

type recorded struct {
	events []Event
}

func (r *recorded) kinds() map[string]int {
	out := map[string]int{}
	for _, ev := range r.events {
		switch ev.(type) {
		case JobResumed:
			out["resumed"]++
		case JobPaused:
			out["paused"]++
		case CheckingStarted:
			out["checking_started"]++
		case CheckingStopped:
			out["checking_stopped"]++
		case StateChanged:
			out["state_changed"]++
		}
	}
	return out
}

func newTestScheduler(t *testing.T, q Queue, limits Limits, clock *manualClock) (*Scheduler, *recorded) {
	t.Helper()
	store, err := NewLimitsStore(limits)
	require.NoError(t, err)
	bus := NewBus()
	rec := &recorded{}
	bus.Subscribe(func(ev Event) { rec.events = append(rec.events, ev) })
	s, err := New(Config{
		Queue:  q,
		Limits: store,
		Clock:  clock.Now,
		Bus:    bus,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	return s, rec
}

func TestTickAdmitsInQueueOrder(t *testing.T) {
	a := newFakeJob("a", pausedDownload())
	b := newFakeJob("b", pausedDownload())
	c := newFakeJob("c", pausedDownload())
	limits := DefaultLimits()
	limits.ActiveDownloads = 2

	s, rec := newTestScheduler(t, queueOf(a, b, c), limits, &manualClock{now: time.Unix(0, 0)})
	report := s.Tick()

	assert.Equal(t, 1, a.resumes)
	assert.Equal(t, 1, b.resumes)
	assert.Equal(t, 0, c.resumes)
	assert.Equal(t, 2, report.Target.Downloads)
	assert.Equal(t, 2, report.Transitions)
	assert.Equal(t, 2, rec.kinds()["resumed"])
}

func TestTickIsIdempotent(t *testing.T) {
	a := newFakeJob("a", pausedDownload())
	b := newFakeJob("b", pausedDownload())
	limits := DefaultLimits()
	limits.ActiveDownloads = 1
	limits.DontCountSlowTorrents = false

	s, rec := newTestScheduler(t, queueOf(a, b), limits, &manualClock{now: time.Unix(0, 0)})
	s.Tick()
	before := len(rec.events)
	report := s.Tick()

	assert.Equal(t, 1, a.resumes)
	assert.Zero(t, b.resumes)
	assert.Zero(t, report.Transitions)
	// the second tick only observes a's category change
	assert.Equal(t, 1, len(rec.events)-before)
	_, ok := rec.events[before].(StateChanged)
	assert.True(t, ok)
}

func TestTickPausesOverLimit(t *testing.T) {
	running := pausedDownload()
	running.Paused = false
	running.DownloadRate = 1 << 20
	a := newFakeJob("a", running)
	b := newFakeJob("b", running)
	limits := DefaultLimits()
	limits.ActiveDownloads = 1

	s, rec := newTestScheduler(t, queueOf(a, b), limits, &manualClock{now: time.Unix(0, 0)})
	s.Tick()

	assert.Zero(t, a.pauses)
	assert.Equal(t, 1, b.pauses)
	assert.Equal(t, 1, rec.kinds()["paused"])
}

func TestTickSkipsJobsOutsideQueue(t *testing.T) {
	forcedRunning := Status{State: domain.StateDownloading}
	forcedPaused := Status{State: domain.StateDownloading, Paused: true}
	a := newFakeJob("a", forcedRunning)
	b := newFakeJob("b", forcedPaused)
	limits := DefaultLimits()
	limits.ActiveDownloads = 0

	s, rec := newTestScheduler(t, queueOf(a, b), limits, &manualClock{now: time.Unix(0, 0)})
	report := s.Tick()

	assert.Zero(t, a.pauses)
	assert.Zero(t, b.resumes)
	assert.Empty(t, rec.events)
	for _, jr := range report.Jobs {
		assert.False(t, jr.Managed)
		assert.False(t, jr.Tagged)
	}
}

func TestTickCheckingNeverUnpauses(t *testing.T) {
	st := Status{State: domain.StateCheckingResumeData, Paused: true, AutoManaged: true}
	a := newFakeJob("a", st)
	b := newFakeJob("b", st)

	s, rec := newTestScheduler(t, queueOf(a, b), DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	s.Tick()

	assert.Equal(t, 1, a.grants)
	assert.Zero(t, b.grants)
	assert.True(t, a.Status().Paused)
	assert.Zero(t, a.resumes)
	assert.Equal(t, map[string]int{"checking_started": 1}, rec.kinds())
}

func TestTickRevokesCheckingSlot(t *testing.T) {
	holder := Status{State: domain.StateCheckingFiles, Paused: true, AutoManaged: true, CheckingAllowed: true}
	waiting := Status{State: domain.StateCheckingFiles, Paused: true, AutoManaged: true}
	first := newFakeJob("first", waiting)
	second := newFakeJob("second", holder)

	s, rec := newTestScheduler(t, queueOf(first, second), DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	s.Tick()

	assert.Equal(t, 1, first.grants)
	assert.Equal(t, 1, second.revokes)
	assert.Equal(t, 1, rec.kinds()["checking_started"])
	assert.Equal(t, 1, rec.kinds()["checking_stopped"])
}

func TestTickPausesQueuedRunningChecker(t *testing.T) {
	st := Status{State: domain.StateCheckingFiles, AutoManaged: true}
	a := newFakeJob("a", Status{State: domain.StateCheckingFiles, Paused: true, AutoManaged: true})
	b := newFakeJob("b", st)

	s, _ := newTestScheduler(t, queueOf(a, b), DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	s.Tick()

	assert.Equal(t, 1, b.pauses)
	assert.True(t, b.Status().Paused)
}

func TestTickReevaluatesJobsLeavingChecking(t *testing.T) {
	st := Status{State: domain.StateCheckingResumeData, Paused: true, AutoManaged: true}
	a := newFakeJob("a", st)
	a.finishes = domain.StateDownloading
	b := newFakeJob("b", st)
	b.finishes = domain.StateDownloading

	s, rec := newTestScheduler(t, queueOf(a, b), DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	report := s.Tick()

	assert.Equal(t, 1, a.grants)
	assert.Equal(t, 1, b.grants)
	assert.Equal(t, 1, a.resumes)
	assert.Equal(t, 1, b.resumes)
	assert.Equal(t, 2, report.Target.Downloads)
	assert.Equal(t, 2, rec.kinds()["state_changed"])
}

func TestTickSlowJobsFreeSlots(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	a := newFakeJob("a", pausedDownload())
	b := newFakeJob("b", pausedDownload())
	limits := DefaultLimits()
	limits.ActiveDownloads = 1

	s, _ := newTestScheduler(t, queueOf(a, b), limits, clock)
	s.Tick()
	require.Equal(t, 1, a.resumes)

	clock.Advance(time.Second)
	s.Tick()
	clock.Advance(limits.SlowGracePeriod)
	s.Tick()
	assert.Zero(t, b.resumes, "grace period not yet exceeded")

	clock.Advance(time.Second)
	report := s.Tick()
	assert.Equal(t, 1, b.resumes)
	assert.Zero(t, a.pauses, "slow jobs keep running")
	assert.Equal(t, 1, report.Target.Slow)
}

func TestTickRemovedJobIsNoop(t *testing.T) {
	a := newFakeJob("a", pausedDownload())
	a.removed = true

	s, rec := newTestScheduler(t, queueOf(a), DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	report := s.Tick()

	assert.Zero(t, report.Failures)
	assert.Zero(t, report.Transitions)
	assert.Empty(t, rec.events)
}

func TestTickUsesRepairedSnapshot(t *testing.T) {
	a := newFakeJob("a", pausedDownload())
	q := queueOf(a)
	q.err = errors.New("repaired")

	s, _ := newTestScheduler(t, q, DefaultLimits(), &manualClock{now: time.Unix(0, 0)})
	s.Tick()
	assert.Equal(t, 1, a.resumes)

	q.entries = nil
	report := s.Tick()
	assert.Empty(t, report.Jobs)
}

func TestTickReadsLimitsEachTick(t *testing.T) {
	jobs := []*fakeJob{
		newFakeJob("a", pausedDownload()),
		newFakeJob("b", pausedDownload()),
		newFakeJob("c", pausedDownload()),
	}
	limits := DefaultLimits()
	limits.ActiveDownloads = 1
	limits.DontCountSlowTorrents = false
	store, err := NewLimitsStore(limits)
	require.NoError(t, err)
	s, err := New(Config{Queue: queueOf(jobs...), Limits: store, Logger: discardLogger()})
	require.NoError(t, err)

	s.Tick()
	limits.ActiveDownloads = 3
	require.NoError(t, store.Set(limits))
	report := s.Tick()

	assert.Equal(t, 3, report.Target.Downloads)
	assert.Equal(t, report, s.LastReport())
}

func TestLimitsValidate(t *testing.T) {
	l := DefaultLimits()
	require.NoError(t, l.Validate())

	l.ActiveSeeds = Unlimited
	require.NoError(t, l.Validate())

	l.ActiveSeeds = -2
	require.ErrorIs(t, l.Validate(), ErrInvalidLimits)

	l = DefaultLimits()
	l.InactiveUploadRate = -1
	require.ErrorIs(t, l.Validate(), ErrInvalidLimits)

	store, err := NewLimitsStore(DefaultLimits())
	require.NoError(t, err)
	require.Error(t, store.Set(Limits{ActiveLimit: -3}))
	assert.Equal(t, DefaultLimits(), store.Limits())
}

func TestTriggerCoalesces(t *testing.T) {
	s, err := New(Config{Queue: &fakeQueue{}, Logger: discardLogger()})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		s.Trigger()
	}
	assert.Len(t, s.trigger, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newFakeJob("a", pausedDownload())
	s, err := New(Config{Queue: queueOf(a), Interval: time.Hour, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Status().Running() }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []string
	unsubA := bus.Subscribe(func(Event) { got = append(got, "a") })
	bus.Subscribe(func(Event) { got = append(got, "b") })

	bus.Publish(JobResumed{newBase("x", time.Unix(0, 0))})
	unsubA()
	bus.Publish(JobPaused{newBase("x", time.Unix(0, 0))})

	assert.Equal(t, []string{"a", "b", "b"}, got)
}

func TestTickUnknownStateWarnsOncePerState(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	x := newFakeJob("x", Status{State: "bogus", Paused: true, AutoManaged: true})
	s, err := New(Config{Queue: queueOf(x), Logger: logger})
	require.NoError(t, err)

	var last string
	warnings := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Data["job_id"] == domain.JobID("x") {
				n++
				last = e.Message
			}
		}
		return n
	}

	for range 3 {
		report := s.Tick()
		require.Len(t, report.Jobs, 1)
		assert.False(t, report.Jobs[0].Tagged)
		assert.Equal(t, CategoryIdle, report.Jobs[0].Category)
	}
	assert.Equal(t, 1, warnings())
	assert.Contains(t, last, `unknown activity state "bogus"`)
	assert.Zero(t, x.resumes)

	x.set(func(st *Status) { st.State = "worse" })
	s.Tick()
	assert.Equal(t, 2, warnings())

	x.set(func(st *Status) { st.State = domain.StateDownloading })
	s.Tick()
	x.set(func(st *Status) { st.State = "worse" })
	s.Tick()
	assert.Equal(t, 3, warnings(), "a state that comes back warns again")
}
