package scheduler

import (
	"sort"

	"magnet-queue/internal/domain"
)

// Tag is the admission decision for one job in one tick.
type Tag int

const (
	TagIdle Tag = iota
	TagChecking
	TagDownload
	TagSeed
	TagSlowDownload
	TagSlowSeed
)

func (t Tag) String() string {
	switch t {
	case TagIdle:
		return "idle"
	case TagChecking:
		return "checking"
	case TagDownload:
		return "download"
	case TagSeed:
		return "seed"
	case TagSlowDownload:
		return "slow_download"
	case TagSlowSeed:
		return "slow_seed"
	default:
		return "unknown"
	}
}

// Running reports whether the tag keeps a job transferring.
func (t Tag) Running() bool {
	switch t {
	case TagDownload, TagSeed, TagSlowDownload, TagSlowSeed:
		return true
	}
	return false
}

// Pools groups auto-managed jobs by the pool they compete in, each in queue
// order.
type Pools struct {
	Checking  []Candidate
	Downloads []Candidate
	Seeds     []Candidate
}

// Partition splits managed candidates into pools. Jobs in error or an unknown
// state belong to no pool.
func Partition(cands []Candidate) Pools {
	managed := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Managed() {
			managed = append(managed, c)
		}
	}
	sort.SliceStable(managed, func(i, j int) bool {
		return managed[i].Position < managed[j].Position
	})

	var p Pools
	for _, c := range managed {
		st := c.Status.State
		switch {
		case !st.Known(), st == domain.StateError:
		case st.Checking():
			p.Checking = append(p.Checking, c)
		case c.Status.SeedSide():
			p.Seeds = append(p.Seeds, c)
		default:
			p.Downloads = append(p.Downloads, c)
		}
	}
	return p
}

// CheckingPass grants checking slots to the first ActiveChecking jobs.
func CheckingPass(checking []Candidate, limits Limits) map[domain.JobID]Tag {
	tags := make(map[domain.JobID]Tag, len(checking))
	granted := 0
	for _, c := range checking {
		if within(granted, limits.ActiveChecking) {
			granted++
			tags[c.ID] = TagChecking
			continue
		}
		tags[c.ID] = TagIdle
	}
	return tags
}

// TransferPass admits downloads then seeds from one shared ActiveLimit budget.
func TransferPass(p Pools, limits Limits) map[domain.JobID]Tag {
	tags := make(map[domain.JobID]Tag, len(p.Downloads)+len(p.Seeds))
	total := 0
	admit(tags, p.Downloads, limits.ActiveDownloads, &total, limits, TagDownload, TagSlowDownload)
	admit(tags, p.Seeds, limits.ActiveSeeds, &total, limits, TagSeed, TagSlowSeed)
	return tags
}

func admit(tags map[domain.JobID]Tag, pool []Candidate, poolLimit int, total *int, limits Limits, run, slow Tag) {
	counted := 0
	for _, c := range pool {
		if limits.DontCountSlowTorrents && c.Class.Slow && c.Status.Running() {
			tags[c.ID] = slow
			continue
		}
		if !within(counted, poolLimit) || !within(*total, limits.ActiveLimit) {
			tags[c.ID] = TagIdle
			continue
		}
		counted++
		*total++
		tags[c.ID] = run
	}
}
