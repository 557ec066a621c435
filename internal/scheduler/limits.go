package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Unlimited disables a numeric cap.
const Unlimited = -1

// ErrInvalidLimits is returned for limits that cannot be enforced.
var ErrInvalidLimits = errors.New("invalid limits")

// Limits are the global caps the scheduler enforces.
type Limits struct {
	ActiveDownloads       int
	ActiveSeeds           int
	ActiveChecking        int
	ActiveLimit           int
	DontCountSlowTorrents bool
	InactiveDownloadRate  int64
	InactiveUploadRate    int64
	SlowGracePeriod       time.Duration
}

// DefaultLimits mirrors the engine's shipped settings.
func DefaultLimits() Limits {
	return Limits{
		ActiveDownloads:       3,
		ActiveSeeds:           5,
		ActiveChecking:        1,
		ActiveLimit:           500,
		DontCountSlowTorrents: true,
		InactiveDownloadRate:  2048,
		InactiveUploadRate:    2048,
		SlowGracePeriod:       60 * time.Second,
	}
}

// Validate rejects negative caps other than Unlimited and negative thresholds.
func (l Limits) Validate() error {
	caps := []struct {
		name  string
		value int
	}{
		{"active_downloads", l.ActiveDownloads},
		{"active_seeds", l.ActiveSeeds},
		{"active_checking", l.ActiveChecking},
		{"active_limit", l.ActiveLimit},
	}
	for _, c := range caps {
		if c.value < Unlimited {
			return fmt.Errorf("%w: %s must be >= 0 or %d, got %d", ErrInvalidLimits, c.name, Unlimited, c.value)
		}
	}
	if l.InactiveDownloadRate < 0 {
		return fmt.Errorf("%w: inactive_down_rate must be >= 0", ErrInvalidLimits)
	}
	if l.InactiveUploadRate < 0 {
		return fmt.Errorf("%w: inactive_up_rate must be >= 0", ErrInvalidLimits)
	}
	if l.SlowGracePeriod < 0 {
		return fmt.Errorf("%w: slow_grace must be >= 0", ErrInvalidLimits)
	}
	return nil
}

func within(n, limit int) bool {
	return limit == Unlimited || n < limit
}

// LimitsSource supplies the limits in force for a tick.
type LimitsSource interface {
	Limits() Limits
}

// LimitsStore holds runtime-updatable limits.
type LimitsStore struct {
	mu     sync.RWMutex
	limits Limits
}

func NewLimitsStore(l Limits) (*LimitsStore, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &LimitsStore{limits: l}, nil
}

func (s *LimitsStore) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// Set replaces the limits. Invalid limits leave the current ones in place.
func (s *LimitsStore) Set(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
	return nil
}
