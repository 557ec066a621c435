package simulation

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/scheduler"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func runScenario(t *testing.T, name string) Result {
	t.Helper()
	sc, ok := Scenarios()[name]
	require.True(t, ok, "scenario %s", name)
	res, err := Run(sc, quietLogger())
	require.NoError(t, err)
	return res
}

func TestDontCountSlowTorrents(t *testing.T) {
	res := runScenario(t, "dont-count-slow")
	grace := res.Scenario.Limits.SlowGracePeriod

	resumed := res.Offsets(KindResumed)
	require.Len(t, resumed, 10)
	assert.Equal(t, time.Duration(0), resumed[0])
	for i := 1; i < len(resumed); i++ {
		gap := resumed[i] - resumed[i-1]
		assert.Greater(t, gap, grace, "resume %d came too early", i)
		assert.LessOrEqual(t, gap, grace+3*time.Second, "resume %d came too late", i)
	}
	assert.Zero(t, res.Count(KindPaused))
	assert.Equal(t, 10, res.Running())
}

func TestCountSlowTorrents(t *testing.T) {
	res := runScenario(t, "count-slow")

	assert.Equal(t, 1, res.Count(KindResumed))
	assert.Zero(t, res.Count(KindPaused))
	assert.Equal(t, 1, res.Running())
	assert.Equal(t, 1, res.PeakDownloads)
}

func TestForceStopped(t *testing.T) {
	res := runScenario(t, "force-stopped")

	assert.Zero(t, res.Count(KindResumed))
	assert.Zero(t, res.Count(KindPaused))
	assert.Zero(t, res.Count(KindCheckingStarted))
	assert.Zero(t, res.Running())
}

func TestForceStarted(t *testing.T) {
	res := runScenario(t, "force-started")

	assert.Zero(t, res.Count(KindResumed))
	assert.Zero(t, res.Count(KindPaused))
	assert.Equal(t, 10, res.Running())
	for _, j := range res.Jobs {
		st := j.Status()
		assert.Equal(t, domain.StateDownloading, st.State, "job %s", j.ID())
		assert.False(t, st.AutoManaged)
	}
}

func TestSeedLimit(t *testing.T) {
	res := runScenario(t, "seed-limit")

	assert.LessOrEqual(t, res.PeakSeeds, 3)
	assert.LessOrEqual(t, res.Count(KindResumed), 4)
	assert.Equal(t, 3, res.Running())
	for _, j := range res.Jobs {
		assert.Equal(t, domain.StateSeeding, j.Status().State)
	}
}

func TestDownloadLimit(t *testing.T) {
	res := runScenario(t, "download-limit")

	assert.LessOrEqual(t, res.PeakDownloads, 3)
	assert.Equal(t, 3, res.Running())
}

func TestCheckingDoesNotAnnounce(t *testing.T) {
	res := runScenario(t, "checking-announce")

	assert.Len(t, res.Announces, 1)
	assert.Equal(t, "started", res.Announces[0].Event)
	assert.Equal(t, 1, res.Running())
	assert.Equal(t, 10, res.Count(KindCheckingStarted))
	for _, j := range res.Jobs {
		assert.Equal(t, 1, j.Checks(), "job %s", j.ID())
	}
}

func TestPausedCheckingStaysChecking(t *testing.T) {
	res := runScenario(t, "paused-checking")

	assert.Empty(t, res.Events)
	for _, j := range res.Jobs {
		st := j.Status()
		assert.True(t, st.State.Checking(), "job %s left checking: %s", j.ID(), st.State)
		assert.True(t, st.Paused)
		assert.Zero(t, j.Checks())
	}
}

func TestCheckingPriorityBeforeTransfers(t *testing.T) {
	sc := Scenario{
		Name: "checking-first",
		Limits: func() scheduler.Limits {
			l := scheduler.DefaultLimits()
			l.ActiveChecking = 2
			return l
		}(),
		Jobs: []JobConfig{
			{Name: "a", AutoManaged: true, Paused: true},
			{Name: "b", AutoManaged: true, Paused: true},
			{Name: "c", AutoManaged: true, Paused: true},
		},
		Duration: 0,
	}
	res, err := Run(sc, quietLogger())
	require.NoError(t, err)

	starts := 0
	for _, ev := range res.Events {
		if ev.Kind == KindResumed {
			assert.Equal(t, 3, starts, "transfers resumed before every job checked")
		}
		if ev.Kind == KindCheckingStarted {
			starts++
		}
	}
	assert.Equal(t, 3, res.Count(KindResumed))
	assert.LessOrEqual(t, res.PeakChecking, 2)
}

func TestCompletedDownloadMovesToSeedPool(t *testing.T) {
	sc := Scenario{
		Name: "complete",
		Limits: func() scheduler.Limits {
			l := scheduler.DefaultLimits()
			l.ActiveDownloads = 1
			l.ActiveSeeds = 1
			return l
		}(),
		Jobs: []JobConfig{
			{Name: "fast", AutoManaged: true, Paused: true, Size: 10_000, DownloadRate: 5_000},
			{Name: "next", AutoManaged: true, Paused: true},
		},
		Duration: 5 * time.Second,
	}
	res, err := Run(sc, quietLogger())
	require.NoError(t, err)

	fast := res.Jobs[0].Status()
	assert.Equal(t, domain.StateSeeding, fast.State)
	assert.True(t, fast.Running())
	assert.True(t, res.Jobs[1].Status().Running(), "download slot freed by completion")
}

func TestScenarioRejectsInvalidLimits(t *testing.T) {
	sc := Scenario{Name: "bad", Limits: scheduler.Limits{ActiveDownloads: -5}}
	_, err := Run(sc, quietLogger())
	require.ErrorIs(t, err, scheduler.ErrInvalidLimits)
}

func TestNamesAreSorted(t *testing.T) {
	names := Names()
	require.Len(t, names, len(Scenarios()))
	assert.IsIncreasing(t, names)
}
