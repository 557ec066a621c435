package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
)

// Category is the activity bucket a job falls into for accounting.
type Category int

const (
	CategoryIdle Category = iota
	CategoryChecking
	CategoryActiveDownload
	CategoryActiveSeed
)

func (c Category) String() string {
	switch c {
	case CategoryIdle:
		return "idle"
	case CategoryChecking:
		return "checking"
	case CategoryActiveDownload:
		return "active_download"
	case CategoryActiveSeed:
		return "active_seed"
	default:
		return "unknown"
	}
}

// Classification is the classifier's verdict for one job at one instant.
type Classification struct {
	Category Category
	Slow     bool
}

// Change describes a category transition observed by the classifier.
type Change struct {
	PrevCategory Category
	Category     Category
	PrevState    domain.ActivityState
	State        domain.ActivityState
}

type track struct {
	category   Category
	state      domain.ActivityState
	belowSince time.Time
}

// Classifier keeps the per-job memory needed across ticks: the start of the
// current below-threshold streak and the last observed category.
type Classifier struct {
	mu     sync.Mutex
	logger *logrus.Logger
	tracks map[domain.JobID]*track
}

func NewClassifier(logger *logrus.Logger) *Classifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Classifier{
		logger: logger,
		tracks: make(map[domain.JobID]*track),
	}
}

// Categorize maps a status to its category without touching slow tracking.
func Categorize(st Status) Category {
	switch {
	case st.State.Checking():
		return CategoryChecking
	case !st.State.Known(), st.State == domain.StateError, st.Paused:
		return CategoryIdle
	case st.SeedSide():
		return CategoryActiveSeed
	default:
		return CategoryActiveDownload
	}
}

// Classify returns the job's classification at now. The second result is
// non-nil when the category differs from the previous observation.
func (c *Classifier) Classify(id domain.JobID, st Status, limits Limits, now time.Time) (Classification, *Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat := Categorize(st)
	tr, seen := c.tracks[id]
	// warn once per streak of the same bad state
	if !st.State.Known() && (!seen || tr.state != st.State) {
		c.logger.WithField("job_id", id).Warnf("unknown activity state %q, treating as idle", st.State)
	}
	if !seen {
		tr = &track{category: cat, state: st.State}
		c.tracks[id] = tr
	}

	var change *Change
	if seen && tr.category != cat {
		change = &Change{
			PrevCategory: tr.category,
			Category:     cat,
			PrevState:    tr.state,
			State:        st.State,
		}
		// a streak never carries over between pools
		tr.belowSince = time.Time{}
	}
	tr.category = cat
	tr.state = st.State

	return Classification{Category: cat, Slow: c.slow(tr, cat, st, limits, now)}, change
}

func (c *Classifier) slow(tr *track, cat Category, st Status, limits Limits, now time.Time) bool {
	var rate, threshold int64
	switch cat {
	case CategoryActiveDownload:
		rate, threshold = st.DownloadRate, limits.InactiveDownloadRate
	case CategoryActiveSeed:
		rate, threshold = st.UploadRate, limits.InactiveUploadRate
	default:
		tr.belowSince = time.Time{}
		return false
	}

	if rate >= threshold {
		tr.belowSince = time.Time{}
		return false
	}
	if tr.belowSince.IsZero() {
		tr.belowSince = now
	}
	return now.Sub(tr.belowSince) > limits.SlowGracePeriod
}

// Prune forgets jobs not present in alive.
func (c *Classifier) Prune(alive map[domain.JobID]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.tracks {
		if _, ok := alive[id]; !ok {
			delete(c.tracks, id)
		}
	}
}

// Last returns the most recent category recorded for id.
func (c *Classifier) Last(id domain.JobID) (Category, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.tracks[id]
	if !ok {
		return CategoryIdle, false
	}
	return tr.category, true
}
