package downloader

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/resume"
	"magnet-queue/internal/scheduler"
)

// torrentJob adapts a transfer to the scheduler's job surface.
//
// A paused job never moves data. Checking is a separate grant: a job in a
// checking state verifies only while granted (or force-started) and stays
// paused until the scheduler resumes it.
type torrentJob struct {
	mu       sync.Mutex
	meta     domain.Job
	tr       transfer
	logger   *logrus.Entry
	notify   func()
	maxConns int

	state           domain.ActivityState
	paused          bool
	autoManaged     bool
	checkingAllowed bool
	verifying       bool
	verified        bool
	removed         bool
	errMsg          string

	downRate      int64
	upRate        int64
	lastCompleted int64
	lastUploaded  int64
	lastSample    time.Time
	peers         int
	seeds         int

	record resume.Record
}

type jobOptions struct {
	autoManaged bool
	paused      bool
	maxConns    int
	notify      func()
	logger      *logrus.Logger
	now         time.Time
}

func newTorrentJob(meta domain.Job, tr transfer, rec *resume.Record, opts jobOptions) *torrentJob {
	j := &torrentJob{
		meta:        meta,
		tr:          tr,
		logger:      opts.logger.WithField("job_id", meta.ID),
		notify:      opts.notify,
		maxConns:    opts.maxConns,
		state:       domain.StateCheckingResumeData,
		paused:      opts.paused,
		autoManaged: opts.autoManaged,
	}
	if j.notify == nil {
		j.notify = func() {}
	}
	if rec != nil {
		j.record = *rec
	} else {
		j.record.AddedTime = opts.now
	}
	return j
}

func (j *torrentJob) ID() domain.JobID { return j.meta.ID }

func (j *torrentJob) Status() scheduler.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return scheduler.Status{
		State:           j.state,
		Paused:          j.paused,
		AutoManaged:     j.autoManaged,
		CheckingAllowed: j.checkingAllowed,
		IsSeed:          j.state == domain.StateSeeding,
		IsFinished:      j.state == domain.StateFinished,
		DownloadRate:    j.downRate,
		UploadRate:      j.upRate,
	}
}

func (j *torrentJob) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return scheduler.ErrJobRemoved
	}
	if j.state == domain.StateError {
		// resuming a failed job rechecks it from scratch
		j.state = domain.StateCheckingResumeData
		j.errMsg = ""
		j.verified = false
	}
	j.paused = false
	j.applyLocked()
	return nil
}

func (j *torrentJob) Pause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return scheduler.ErrJobRemoved
	}
	j.paused = true
	j.applyLocked()
	return nil
}

func (j *torrentJob) SetCheckingAllowed(allowed bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return scheduler.ErrJobRemoved
	}
	j.checkingAllowed = allowed
	j.applyLocked()
	return nil
}

func (j *torrentJob) setAutoManaged(on bool) {
	j.mu.Lock()
	j.autoManaged = on
	j.mu.Unlock()
}

// applyLocked drives the transfer from the current flags.
func (j *torrentJob) applyLocked() {
	if j.state.Checking() {
		j.tr.Stop()
		if j.checkingAllowed || (!j.autoManaged && !j.paused) {
			j.beginCheckLocked()
		}
		return
	}
	if j.paused || j.state == domain.StateError {
		j.tr.Stop()
		j.downRate, j.upRate = 0, 0
		return
	}
	j.tr.Start(j.maxConns)
}

// beginCheckLocked verifies on-disk data. Without metadata there is nothing
// to verify yet, so the job moves straight to transferring.
func (j *torrentJob) beginCheckLocked() {
	if j.verifying {
		return
	}
	if !j.tr.HasInfo() {
		j.finishCheckLocked(false)
		return
	}
	j.verifying = true
	j.state = domain.StateCheckingFiles
	go j.verify()
}

func (j *torrentJob) verify() {
	j.logger.Debug("verifying data")
	j.tr.Verify()

	j.mu.Lock()
	if j.removed {
		j.mu.Unlock()
		return
	}
	j.verifying = false
	j.finishCheckLocked(true)
	j.mu.Unlock()
	j.notify()
}

func (j *torrentJob) finishCheckLocked(verified bool) {
	j.verified = verified
	j.checkingAllowed = false
	_, missing := j.tr.Progress()
	if verified && missing == 0 {
		j.state = domain.StateSeeding
	} else {
		j.state = domain.StateDownloading
	}
	j.applyLocked()
}

// watch waits for metadata. A job that started without it goes back to
// checking once the piece layout is known.
func (j *torrentJob) watch(ctx context.Context) {
	if !j.tr.WaitInfo(ctx) {
		return
	}
	j.mu.Lock()
	if j.removed {
		j.mu.Unlock()
		return
	}
	if name := j.tr.Name(); name != "" {
		j.meta.Name = name
	}
	changed := false
	if !j.verified && !j.state.Checking() {
		j.state = domain.StateCheckingFiles
		j.applyLocked()
		changed = true
	}
	j.mu.Unlock()
	j.logger.Info("metadata received")
	if changed {
		j.notify()
	}
}

// sample refreshes transfer rates and counters. It reports whether the
// activity state changed.
func (j *torrentJob) sample(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.removed {
		return false
	}

	completed, missing := j.tr.Progress()
	uploaded, peers, seeds := j.tr.Swarm()
	j.peers, j.seeds = peers, seeds

	if !j.lastSample.IsZero() {
		elapsed := now.Sub(j.lastSample)
		if secs := elapsed.Seconds(); secs > 0 {
			down := completed - j.lastCompleted
			up := uploaded - j.lastUploaded
			if down < 0 {
				down = 0
			}
			if up < 0 {
				up = 0
			}
			j.downRate = int64(float64(down) / secs)
			j.upRate = int64(float64(up) / secs)
			j.record.TotalDownloaded += down
			j.record.TotalUploaded += up
			if down > 0 {
				j.record.LastDownload = now
			}
			if up > 0 {
				j.record.LastUpload = now
			}
		}
		if !j.paused && !j.state.Checking() {
			j.record.ActiveTime += elapsed
			switch j.state {
			case domain.StateSeeding:
				j.record.SeedingTime += elapsed
				j.record.FinishedTime += elapsed
			case domain.StateFinished:
				j.record.FinishedTime += elapsed
			}
		}
	}
	j.lastCompleted, j.lastUploaded, j.lastSample = completed, uploaded, now
	if j.paused {
		j.downRate, j.upRate = 0, 0
	}

	if j.state == domain.StateDownloading && j.verified && j.tr.HasInfo() && missing == 0 {
		j.state = domain.StateSeeding
		j.record.CompletedTime = now
		j.logger.Infof("download completed, %s", formatBytes(completed))
		return true
	}
	return false
}

// fail parks the job in the error state until it is resumed explicitly.
func (j *torrentJob) fail(msg string) {
	j.mu.Lock()
	j.state = domain.StateError
	j.errMsg = msg
	j.applyLocked()
	j.mu.Unlock()
	j.notify()
}

func (j *torrentJob) remove() {
	j.mu.Lock()
	if j.removed {
		j.mu.Unlock()
		return
	}
	j.removed = true
	j.mu.Unlock()
	j.tr.Drop()
}

// resumeRecord snapshots the job for persistence.
func (j *torrentJob) resumeRecord(trackers [][]string) resume.Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := j.record
	if hash, err := hex.DecodeString(j.tr.InfoHash()); err == nil && len(hash) == len(metainfo.Hash{}) {
		copy(r.InfoHash[:], hash)
	}
	r.Name = j.meta.Name
	r.SavePath = j.meta.SavePath
	r.Trackers = trackers
	r.Paused = j.paused
	r.AutoManaged = j.autoManaged
	r.MaxConnections = int64(j.maxConns)
	r.NumComplete = int64(j.seeds)
	r.NumIncomplete = int64(j.peers - j.seeds)
	if r.NumIncomplete < 0 {
		r.NumIncomplete = 0
	}
	if j.state == domain.StateSeeding {
		r.LastSeenComplete = j.lastSample
	}
	return r
}

// view captures what the API shows for a job.
func (j *torrentJob) view() jobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	completed, missing := j.tr.Progress()
	return jobState{
		meta:      j.meta,
		completed: completed,
		missing:   missing,
		peers:     j.peers,
		seeds:     j.seeds,
		errMsg:    j.errMsg,
	}
}

type jobState struct {
	meta      domain.Job
	completed int64
	missing   int64
	peers     int
	seeds     int
	errMsg    string
}

var _ scheduler.Job = (*torrentJob)(nil)
