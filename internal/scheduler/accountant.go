package scheduler

import "magnet-queue/internal/domain"

// Candidate is a single job's view during one tick.
type Candidate struct {
	ID       domain.JobID
	Position int
	Status   Status
	Class    Classification
}

// Managed reports whether the scheduler may act on the job.
func (c Candidate) Managed() bool {
	return c.Position >= 0 && c.Status.AutoManaged
}

// Counts is the resource usage of auto-managed jobs.
type Counts struct {
	Checking  int
	Downloads int
	Seeds     int
	Slow      int
}

// Account counts auto-managed jobs currently holding resources. Slow running
// jobs are left out of Downloads and Seeds when dontCountSlow is set.
func Account(cands []Candidate, dontCountSlow bool) Counts {
	var n Counts
	for _, c := range cands {
		if !c.Managed() {
			continue
		}
		switch c.Class.Category {
		case CategoryChecking:
			if c.Status.CheckingAllowed {
				n.Checking++
			}
		case CategoryActiveDownload, CategoryActiveSeed:
			if c.Class.Slow {
				n.Slow++
				if dontCountSlow {
					continue
				}
			}
			if c.Class.Category == CategoryActiveDownload {
				n.Downloads++
			} else {
				n.Seeds++
			}
		}
	}
	return n
}

// CountTags reports the usage implied by a set of admission tags.
func CountTags(tags map[domain.JobID]Tag) Counts {
	var n Counts
	for _, t := range tags {
		switch t {
		case TagChecking:
			n.Checking++
		case TagDownload:
			n.Downloads++
		case TagSeed:
			n.Seeds++
		case TagSlowDownload, TagSlowSeed:
			n.Slow++
		}
	}
	return n
}
