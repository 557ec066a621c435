package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"magnet-queue/internal/domain"
)

func cand(id string, pos int, st Status, slow bool) Candidate {
	return Candidate{
		ID:       domain.JobID(id),
		Position: pos,
		Status:   st,
		Class:    Classification{Category: Categorize(st), Slow: slow},
	}
}

func downloads(n int, running bool) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		st := pausedDownload()
		st.Paused = !running
		out[i] = cand(fmt.Sprintf("d%d", i), i, st, false)
	}
	return out
}

func TestPartition(t *testing.T) {
	checking := Status{State: domain.StateCheckingFiles, Paused: true, AutoManaged: true}
	errored := Status{State: domain.StateError, AutoManaged: true}
	forced := Status{State: domain.StateDownloading, AutoManaged: false}

	p := Partition([]Candidate{
		cand("seed", 3, pausedSeed(), false),
		cand("dl", 1, pausedDownload(), false),
		cand("check", 0, checking, false),
		cand("err", 2, errored, false),
		cand("forced", -1, forced, false),
		cand("dl0", 4, pausedDownload(), false),
	})

	assert.Equal(t, []domain.JobID{"check"}, ids(p.Checking))
	assert.Equal(t, []domain.JobID{"dl", "dl0"}, ids(p.Downloads))
	assert.Equal(t, []domain.JobID{"seed"}, ids(p.Seeds))
}

func ids(cs []Candidate) []domain.JobID {
	out := make([]domain.JobID, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestCheckingPass(t *testing.T) {
	st := Status{State: domain.StateCheckingResumeData, Paused: true, AutoManaged: true}
	jobs := []Candidate{cand("a", 0, st, false), cand("b", 1, st, false), cand("c", 2, st, false)}

	tests := []struct {
		name  string
		limit int
		want  map[domain.JobID]Tag
	}{
		{"one slot", 1, map[domain.JobID]Tag{"a": TagChecking, "b": TagIdle, "c": TagIdle}},
		{"no slots", 0, map[domain.JobID]Tag{"a": TagIdle, "b": TagIdle, "c": TagIdle}},
		{"unlimited", Unlimited, map[domain.JobID]Tag{"a": TagChecking, "b": TagChecking, "c": TagChecking}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			limits.ActiveChecking = tt.limit
			assert.Equal(t, tt.want, CheckingPass(jobs, limits))
		})
	}
}

func TestTransferPassRespectsLimits(t *testing.T) {
	tests := []struct {
		name      string
		downloads int
		seeds     int
		limits    func(*Limits)
		wantDown  int
		wantSeed  int
	}{
		{"pool limits", 5, 5, func(l *Limits) { l.ActiveDownloads, l.ActiveSeeds = 2, 3 }, 2, 3},
		{"unlimited pools", 5, 5, func(l *Limits) { l.ActiveDownloads, l.ActiveSeeds = Unlimited, Unlimited }, 5, 5},
		{"shared budget favours downloads", 4, 4, func(l *Limits) { l.ActiveDownloads, l.ActiveSeeds, l.ActiveLimit = 3, 3, 4 }, 3, 1},
		{"zero limit", 3, 3, func(l *Limits) { l.ActiveLimit = 0 }, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			tt.limits(&limits)

			var p Pools
			p.Downloads = downloads(tt.downloads, false)
			for i := 0; i < tt.seeds; i++ {
				p.Seeds = append(p.Seeds, cand(fmt.Sprintf("s%d", i), tt.downloads+i, pausedSeed(), false))
			}
			counts := CountTags(TransferPass(p, limits))
			assert.Equal(t, tt.wantDown, counts.Downloads)
			assert.Equal(t, tt.wantSeed, counts.Seeds)
		})
	}
}

func TestTransferPassQueueOrder(t *testing.T) {
	limits := DefaultLimits()
	limits.ActiveDownloads = 2
	p := Pools{Downloads: downloads(4, false)}

	tags := TransferPass(p, limits)
	assert.Equal(t, TagDownload, tags["d0"])
	assert.Equal(t, TagDownload, tags["d1"])
	assert.Equal(t, TagIdle, tags["d2"])
	assert.Equal(t, TagIdle, tags["d3"])
}

func TestTransferPassSlowJobs(t *testing.T) {
	running := pausedDownload()
	running.Paused = false

	pool := []Candidate{
		cand("slow", 0, running, true),
		cand("next", 1, pausedDownload(), false),
		cand("last", 2, pausedDownload(), false),
	}

	t.Run("dont count slow", func(t *testing.T) {
		limits := DefaultLimits()
		limits.ActiveDownloads = 1
		limits.DontCountSlowTorrents = true
		tags := TransferPass(Pools{Downloads: pool}, limits)
		assert.Equal(t, TagSlowDownload, tags["slow"])
		assert.Equal(t, TagDownload, tags["next"])
		assert.Equal(t, TagIdle, tags["last"])
	})

	t.Run("count slow", func(t *testing.T) {
		limits := DefaultLimits()
		limits.ActiveDownloads = 1
		limits.DontCountSlowTorrents = false
		tags := TransferPass(Pools{Downloads: pool}, limits)
		assert.Equal(t, TagDownload, tags["slow"])
		assert.Equal(t, TagIdle, tags["next"])
	})

	t.Run("slow seed", func(t *testing.T) {
		seed := pausedSeed()
		seed.Paused = false
		limits := DefaultLimits()
		limits.ActiveSeeds = 1
		tags := TransferPass(Pools{Seeds: []Candidate{cand("s", 0, seed, true), cand("t", 1, pausedSeed(), false)}}, limits)
		assert.Equal(t, TagSlowSeed, tags["s"])
		assert.Equal(t, TagSeed, tags["t"])
	})
}

func TestAccount(t *testing.T) {
	running := pausedDownload()
	running.Paused = false
	seed := pausedSeed()
	seed.Paused = false
	checking := Status{State: domain.StateCheckingFiles, AutoManaged: true, Paused: true, CheckingAllowed: true}
	forced := Status{State: domain.StateDownloading}

	cands := []Candidate{
		cand("a", 0, running, false),
		cand("b", 1, running, true),
		cand("c", 2, seed, false),
		cand("d", 3, checking, false),
		cand("e", -1, forced, false),
		cand("f", 4, pausedDownload(), false),
	}

	assert.Equal(t, Counts{Checking: 1, Downloads: 1, Seeds: 1, Slow: 1}, Account(cands, true))
	assert.Equal(t, Counts{Checking: 1, Downloads: 2, Seeds: 1, Slow: 1}, Account(cands, false))
}
