package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/registry"
	"magnet-queue/internal/repository"
	"magnet-queue/internal/resume"
	"magnet-queue/internal/scheduler"
	"magnet-queue/internal/service"
)

// ErrNotStarted is returned by operations that need the engine before Start.
var ErrNotStarted = errors.New("download manager not started")

// Manager owns the torrent engine, the job registry and the scheduler.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Add(ctx context.Context, req AddRequest) (*JobView, error)
	Remove(ctx context.Context, id domain.JobID, deleteData bool) error
	Pause(ctx context.Context, id domain.JobID) error
	Resume(ctx context.Context, id domain.JobID) error
	SetAutoManaged(ctx context.Context, id domain.JobID, on bool) error
	Move(ctx context.Context, id domain.JobID, m registry.Move) (int, error)
	Job(id domain.JobID) (*JobView, error)
	Jobs() []JobView
	Report() scheduler.Report
	Limits() scheduler.Limits
	SetLimits(l scheduler.Limits) error
	SaveResumeData(ctx context.Context) error
	ResumeFiles(ctx context.Context) ([]ResumeFile, error)
}

// AddRequest describes a new job. New jobs are added paused and auto-managed
// unless stated otherwise, leaving the decision to the scheduler.
type AddRequest struct {
	MagnetURI string
	Unmanaged bool
	StartNow  bool
}

// JobView is a read-only snapshot of a job.
type JobView struct {
	Job       domain.Job
	Position  int
	Status    scheduler.Status
	Category  string
	Slow      bool
	Tag       string
	Completed int64
	Missing   int64
	Peers     int
	Seeds     int
	Error     string
}

// ResumeFile is one encoded resume record.
type ResumeFile struct {
	JobID    domain.JobID
	InfoHash string
	Position int
	Data     []byte
}

type Config struct {
	DataDir           string
	StatusInterval    time.Duration
	ResumeInterval    time.Duration
	TickInterval      time.Duration
	TrackerList       []string
	MaxConnsPerJob    int
	DownloadRateLimit int64
	UploadRateLimit   int64
	ListenPort        int
	Limits            *scheduler.LimitsStore
	Recorder          scheduler.Recorder
	Observers         []func(scheduler.Event)
	Clock             func() time.Time
	Logger            *logrus.Logger
}

type manager struct {
	cfg      Config
	jobs     service.JobService
	registry *registry.Registry
	sched    *scheduler.Scheduler
	limits   *scheduler.LimitsStore
	engine   engine

	// newEngine is swapped in tests.
	newEngine func(EngineConfig) (engine, error)

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[domain.JobID]*torrentJob
	// hashes maps info-hash to job; "" reserves a hash while Add runs.
	hashes map[string]domain.JobID
}

func NewManager(cfg Config, jobs service.JobService) (Manager, error) {
	return newManager(cfg, jobs)
}

func newManager(cfg Config, jobs service.JobService) (*manager, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = 5 * time.Minute
	}
	if cfg.MaxConnsPerJob <= 0 {
		cfg.MaxConnsPerJob = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}
	if cfg.Limits == nil {
		limits, err := scheduler.NewLimitsStore(scheduler.DefaultLimits())
		if err != nil {
			return nil, err
		}
		cfg.Limits = limits
	}

	reg := registry.New()
	sched, err := scheduler.New(scheduler.Config{
		Queue:    reg,
		Limits:   cfg.Limits,
		Interval: cfg.TickInterval,
		Clock:    cfg.Clock,
		Recorder: cfg.Recorder,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	m := &manager{
		cfg:      cfg,
		jobs:     jobs,
		registry: reg,
		sched:    sched,
		limits:   cfg.Limits,
		active:   make(map[domain.JobID]*torrentJob),
		hashes:   make(map[string]domain.JobID),
		newEngine: func(ec EngineConfig) (engine, error) {
			return newAnacrolixEngine(ec)
		},
	}
	sched.Bus().Subscribe(m.logEvent)
	for _, fn := range cfg.Observers {
		sched.Bus().Subscribe(fn)
	}
	return m, nil
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	eng, err := m.newEngine(EngineConfig{
		DataDir:           m.cfg.DataDir,
		DownloadRateLimit: m.cfg.DownloadRateLimit,
		UploadRateLimit:   m.cfg.UploadRateLimit,
		ListenPort:        m.cfg.ListenPort,
	})
	if err != nil {
		return err
	}

	m.engine = eng
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("download manager started, data dir: %s", m.cfg.DataDir)

	if err := m.reload(ctx); err != nil {
		m.cancel()
		m.engine.Close()
		return err
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := m.sched.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.cfg.Logger.Errorf("scheduler: %v", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		m.statusLoop(m.ctx)
	}()
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.engine != nil {
		if err := m.SaveResumeData(context.Background()); err != nil {
			m.cfg.Logger.Warnf("save resume data: %v", err)
		}
		m.engine.Close()
	}
	m.cfg.Logger.Info("download manager stopped")
}

// reload re-adds persisted jobs in stored queue order.
func (m *manager) reload(ctx context.Context) error {
	jobs, err := m.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	for i := range jobs {
		job := jobs[i]
		logger := m.cfg.Logger.WithField("job_id", job.ID)

		var rec *resume.Record
		if len(job.ResumeData) > 0 {
			r, err := resume.Decode(job.ResumeData)
			if err != nil {
				logger.Warnf("discard resume data: %v", err)
			} else {
				rec = &r
			}
		}

		if job.InfoHash != "" {
			m.mu.Lock()
			owner, dup := m.hashes[job.InfoHash]
			m.mu.Unlock()
			if dup {
				logger.Warnf("skip duplicate of job %s (%s)", owner, job.InfoHash)
				continue
			}
		}

		queued := job.QueueOrder >= 0
		paused := true
		if rec != nil {
			paused = rec.Paused
			if rec.AutoManaged != queued {
				logger.Warnf("resume data auto_managed=%t disagrees with queue order %d", rec.AutoManaged, job.QueueOrder)
			}
		}

		tj, err := m.attach(job, rec, queued, paused)
		if err != nil {
			logger.Errorf("reload job: %v", err)
			if err := m.jobs.RecordError(ctx, job.ID, err.Error()); err != nil {
				logger.Warnf("record error: %v", err)
			}
			continue
		}
		if job.ErrorMessage != "" {
			tj.fail(job.ErrorMessage)
		}
	}

	m.cfg.Logger.Infof("reloaded %d jobs", len(jobs))
	m.sched.Trigger()
	return nil
}

func (m *manager) attach(job domain.Job, rec *resume.Record, autoManaged, paused bool) (*torrentJob, error) {
	if m.engine == nil {
		return nil, ErrNotStarted
	}
	tr, err := m.engine.AddMagnet(job.MagnetURI)
	if err != nil {
		return nil, err
	}

	trackers := m.trackers(rec)
	tr.AddTrackers(trackers)

	tj := newTorrentJob(job, tr, rec, jobOptions{
		autoManaged: autoManaged,
		paused:      paused,
		maxConns:    m.cfg.MaxConnsPerJob,
		notify:      m.sched.Trigger,
		logger:      m.cfg.Logger,
		now:         m.cfg.Clock(),
	})
	if !autoManaged && !paused {
		// force-started jobs do not wait for the scheduler
		if err := tj.Resume(); err != nil {
			return nil, err
		}
	}

	if _, err := m.registry.Add(tj, autoManaged); err != nil {
		tr.Drop()
		return nil, err
	}
	m.mu.Lock()
	m.active[job.ID] = tj
	if job.InfoHash != "" {
		m.hashes[job.InfoHash] = job.ID
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		tj.watch(m.ctx)
	}()
	return tj, nil
}

func (m *manager) trackers(rec *resume.Record) [][]string {
	seen := make(map[string]struct{})
	var tiers [][]string
	add := func(url string) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		tiers = append(tiers, []string{url})
	}
	if rec != nil {
		for _, tier := range rec.Trackers {
			for _, url := range tier {
				add(url)
			}
		}
	}
	for _, url := range m.cfg.TrackerList {
		add(url)
	}
	return tiers
}

func (m *manager) Add(ctx context.Context, req AddRequest) (*JobView, error) {
	if m.engine == nil {
		return nil, ErrNotStarted
	}
	magnet, err := metainfo.ParseMagnetUri(strings.TrimSpace(req.MagnetURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidMagnet, err)
	}
	hash := magnet.InfoHash.HexString()
	if err := m.reserve(hash); err != nil {
		return nil, err
	}

	job, err := m.jobs.CreateJob(ctx, req.MagnetURI, m.cfg.DataDir, -1)
	if err != nil {
		m.release(hash)
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", registry.ErrJobExists, hash)
		}
		return nil, err
	}

	autoManaged := !req.Unmanaged
	paused := !req.StartNow
	tj, err := m.attach(*job, nil, autoManaged, paused)
	if err != nil {
		m.release(hash)
		if delErr := m.jobs.DeleteJob(ctx, job.ID); delErr != nil {
			m.cfg.Logger.WithField("job_id", job.ID).Warnf("roll back job: %v", delErr)
		}
		return nil, err
	}

	if err := m.persist(ctx, tj); err != nil {
		m.cfg.Logger.WithField("job_id", job.ID).Warnf("persist job: %v", err)
	}
	m.cfg.Logger.WithField("job_id", job.ID).Infof("job added: %s", job.InfoHash)
	m.sched.Trigger()
	return m.Job(job.ID)
}

// reserve claims hash for an add in progress. The engine hands out one
// torrent per info-hash, so a second job for it would share the transfer.
func (m *manager) reserve(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.hashes[hash]; ok {
		if owner == "" {
			return fmt.Errorf("%w: %s is being added", registry.ErrJobExists, hash)
		}
		return fmt.Errorf("%w: %s is job %s", registry.ErrJobExists, hash, owner)
	}
	m.hashes[hash] = ""
	return nil
}

// release drops a reservation that never became a job.
func (m *manager) release(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[hash] == "" {
		delete(m.hashes, hash)
	}
}

func (m *manager) Remove(ctx context.Context, id domain.JobID, deleteData bool) error {
	tj, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	meta := tj.view().meta
	m.mu.Lock()
	delete(m.active, id)
	if m.hashes[meta.InfoHash] == id {
		delete(m.hashes, meta.InfoHash)
	}
	m.mu.Unlock()
	name := meta.Name
	tj.remove()

	if err := m.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if deleteData {
		m.cleanupLocalData(name)
	}

	// positions behind the removed job shifted
	m.persistQueue(ctx)
	m.sched.Trigger()
	m.cfg.Logger.WithField("job_id", id).Info("job removed")
	return nil
}

func (m *manager) cleanupLocalData(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	root := filepath.Clean(m.cfg.DataDir)
	target := filepath.Clean(filepath.Join(root, name))
	if target == root || !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		m.cfg.Logger.Warnf("refusing to delete %s outside data dir", target)
		return
	}
	if err := os.RemoveAll(target); err != nil {
		m.cfg.Logger.Warnf("cleanup local data: %v", err)
	}
}

// Pause force-stops a job: it leaves the queue and stays paused.
func (m *manager) Pause(ctx context.Context, id domain.JobID) error {
	return m.force(ctx, id, (*torrentJob).Pause)
}

// Resume force-starts a job: it leaves the queue and runs regardless of limits.
func (m *manager) Resume(ctx context.Context, id domain.JobID) error {
	return m.force(ctx, id, (*torrentJob).Resume)
}

func (m *manager) force(ctx context.Context, id domain.JobID, apply func(*torrentJob) error) error {
	tj, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := m.registry.SetAutoManaged(id, false); err != nil {
		return err
	}
	tj.setAutoManaged(false)
	failed := tj.view().errMsg != ""
	if err := apply(tj); err != nil {
		return err
	}
	if failed && tj.view().errMsg == "" {
		if err := m.jobs.RecordError(ctx, id, ""); err != nil {
			m.cfg.Logger.WithField("job_id", id).Warnf("clear error: %v", err)
		}
	}
	m.persistQueue(ctx)
	m.sched.Trigger()
	return nil
}

func (m *manager) SetAutoManaged(ctx context.Context, id domain.JobID, on bool) error {
	tj, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, err := m.registry.SetAutoManaged(id, on); err != nil {
		return err
	}
	tj.setAutoManaged(on)
	m.persistQueue(ctx)
	m.sched.Trigger()
	return nil
}

func (m *manager) Move(ctx context.Context, id domain.JobID, mv registry.Move) (int, error) {
	pos, err := m.registry.Move(id, mv)
	if err != nil {
		return 0, err
	}
	m.persistQueue(ctx)
	m.sched.Trigger()
	return pos, nil
}

func (m *manager) lookup(id domain.JobID) (*torrentJob, error) {
	m.mu.Lock()
	tj, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, registry.ErrJobNotFound)
	}
	return tj, nil
}

func (m *manager) Job(id domain.JobID) (*JobView, error) {
	tj, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	_, pos, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	view := m.viewOf(tj, pos, m.sched.LastReport())
	return &view, nil
}

// Jobs lists all jobs in queue order followed by unmanaged jobs.
func (m *manager) Jobs() []JobView {
	entries, err := m.registry.Snapshot()
	if entries == nil && err != nil {
		m.cfg.Logger.Errorf("snapshot queue: %v", err)
		return nil
	}
	report := m.sched.LastReport()
	views := make([]JobView, 0, len(entries))
	for _, e := range entries {
		tj, ok := e.Job.(*torrentJob)
		if !ok {
			continue
		}
		views = append(views, m.viewOf(tj, e.Position, report))
	}
	return views
}

func (m *manager) viewOf(tj *torrentJob, pos int, report scheduler.Report) JobView {
	state := tj.view()
	state.meta.QueueOrder = pos
	v := JobView{
		Job:       state.meta,
		Position:  pos,
		Status:    tj.Status(),
		Completed: state.completed,
		Missing:   state.missing,
		Peers:     state.peers,
		Seeds:     state.seeds,
		Error:     state.errMsg,
	}
	for _, jr := range report.Jobs {
		if jr.ID != tj.ID() {
			continue
		}
		v.Category = jr.Category.String()
		v.Slow = jr.Slow
		if jr.Tagged {
			v.Tag = jr.Tag.String()
		}
		break
	}
	return v
}

func (m *manager) Report() scheduler.Report { return m.sched.LastReport() }

func (m *manager) Limits() scheduler.Limits { return m.limits.Limits() }

func (m *manager) SetLimits(l scheduler.Limits) error {
	if err := m.limits.Set(l); err != nil {
		return err
	}
	m.cfg.Logger.Infof("queue limits updated: downloads=%d seeds=%d checking=%d total=%d",
		l.ActiveDownloads, l.ActiveSeeds, l.ActiveChecking, l.ActiveLimit)
	m.sched.Trigger()
	return nil
}

// SaveResumeData writes every job's resume record and queue position.
func (m *manager) SaveResumeData(ctx context.Context) error {
	files, err := m.ResumeFiles(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		m.mu.Lock()
		tj := m.active[f.JobID]
		m.mu.Unlock()
		if tj == nil {
			continue
		}
		state := repository.ResumeState{
			Name:       tj.view().meta.Name,
			InfoHash:   f.InfoHash,
			QueueOrder: f.Position,
			ResumeData: f.Data,
		}
		if err := m.jobs.SaveResume(ctx, f.JobID, state); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", f.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// ResumeFiles encodes the resume record of every job in queue order.
func (m *manager) ResumeFiles(ctx context.Context) ([]ResumeFile, error) {
	entries, err := m.registry.Snapshot()
	if entries == nil && err != nil {
		return nil, err
	}
	files := make([]ResumeFile, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tj, ok := e.Job.(*torrentJob)
		if !ok {
			continue
		}
		data, err := resume.Encode(tj.resumeRecord(m.trackers(nil)))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", tj.ID(), err)
		}
		files = append(files, ResumeFile{
			JobID:    tj.ID(),
			InfoHash: tj.tr.InfoHash(),
			Position: e.Position,
			Data:     data,
		})
	}
	return files, nil
}

func (m *manager) persist(ctx context.Context, tj *torrentJob) error {
	_, pos, err := m.registry.Get(tj.ID())
	if err != nil {
		return err
	}
	data, err := resume.Encode(tj.resumeRecord(m.trackers(nil)))
	if err != nil {
		return err
	}
	return m.jobs.SaveResume(ctx, tj.ID(), repository.ResumeState{
		Name:       tj.view().meta.Name,
		InfoHash:   tj.tr.InfoHash(),
		QueueOrder: pos,
		ResumeData: data,
	})
}

func (m *manager) persistQueue(ctx context.Context) {
	if err := m.SaveResumeData(ctx); err != nil {
		m.cfg.Logger.Warnf("persist queue: %v", err)
	}
}

func (m *manager) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()
	lastSave := m.cfg.Clock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.cfg.Clock()
			if m.sampleAll(now) {
				m.sched.Trigger()
			}
			if now.Sub(lastSave) >= m.cfg.ResumeInterval {
				lastSave = now
				m.persistQueue(ctx)
			}
		}
	}
}

func (m *manager) sampleAll(now time.Time) bool {
	m.mu.Lock()
	jobs := make([]*torrentJob, 0, len(m.active))
	for _, tj := range m.active {
		jobs = append(jobs, tj)
	}
	m.mu.Unlock()

	changed := false
	for _, tj := range jobs {
		if tj.sample(now) {
			changed = true
		}
	}
	return changed
}

func (m *manager) logEvent(ev scheduler.Event) {
	logger := m.cfg.Logger.WithField("job_id", ev.JobID())
	switch e := ev.(type) {
	case scheduler.JobResumed:
		logger.Info("resumed by scheduler")
	case scheduler.JobPaused:
		logger.Info("paused by scheduler")
	case scheduler.CheckingStarted:
		logger.Debug("checking slot granted")
	case scheduler.CheckingStopped:
		logger.Debug("checking slot revoked")
	case scheduler.StateChanged:
		logger.Debugf("state %s -> %s", e.PrevState, e.State)
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Manager = (*manager)(nil)
