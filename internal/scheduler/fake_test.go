package scheduler

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
)

type fakeJob struct {
	mu       sync.Mutex
	id       domain.JobID
	st       Status
	resumes  int
	pauses   int
	grants   int
	revokes  int
	removed  bool
	finishes domain.ActivityState
}

func newFakeJob(id string, st Status) *fakeJob {
	return &fakeJob{id: domain.JobID(id), st: st}
}

func (f *fakeJob) ID() domain.JobID { return f.id }

func (f *fakeJob) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeJob) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return ErrJobRemoved
	}
	f.resumes++
	f.st.Paused = false
	return nil
}

func (f *fakeJob) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return ErrJobRemoved
	}
	f.pauses++
	f.st.Paused = true
	return nil
}

func (f *fakeJob) SetCheckingAllowed(allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return ErrJobRemoved
	}
	if allowed {
		f.grants++
	} else {
		f.revokes++
	}
	f.st.CheckingAllowed = allowed
	// finishes set: the check completes as soon as it is granted
	if allowed && f.finishes != "" {
		f.st.State = f.finishes
		f.st.CheckingAllowed = false
	}
	return nil
}

func (f *fakeJob) set(fn func(*Status)) {
	f.mu.Lock()
	fn(&f.st)
	f.mu.Unlock()
}

type fakeQueue struct {
	entries []Entry
	err     error
}

func (q *fakeQueue) Snapshot() ([]Entry, error) {
	return q.entries, q.err
}

func queueOf(jobs ...*fakeJob) *fakeQueue {
	q := &fakeQueue{}
	pos := 0
	for i, j := range jobs {
		e := Entry{Job: j, Position: -1, Seq: int64(i + 1)}
		if j.st.AutoManaged {
			e.Position = pos
			pos++
		}
		q.entries = append(q.entries, e)
	}
	return q
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func pausedDownload() Status {
	return Status{State: domain.StateDownloading, Paused: true, AutoManaged: true}
}

func pausedSeed() Status {
	return Status{State: domain.StateSeeding, Paused: true, AutoManaged: true, IsSeed: true}
}
