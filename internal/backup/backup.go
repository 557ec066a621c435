// Package backup ships resume snapshots to object storage on a schedule.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"magnet-queue/internal/downloader"
	"magnet-queue/internal/storage"
)

const stampLayout = "20060102T150405Z"

// ErrNotConfigured is returned when no bucket is configured.
var ErrNotConfigured = errors.New("backup storage is not configured")

// ErrUnknownObject is returned for keys outside the backup prefix.
var ErrUnknownObject = errors.New("unknown backup object")

// Source yields the encoded resume records to back up.
type Source interface {
	ResumeFiles(ctx context.Context) ([]downloader.ResumeFile, error)
}

type Config struct {
	Schedule  string
	Bucket    string
	KeyPrefix string
	Keep      int
	URLExpiry time.Duration
	Clock     func() time.Time
	Logger    *logrus.Logger
}

// Snapshot is one uploaded backup.
type Snapshot struct {
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	Files     int       `json:"files"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type manifestEntry struct {
	JobID    string `json:"job_id"`
	InfoHash string `json:"info_hash"`
	Position int    `json:"position"`
	File     string `json:"file"`
}

type Service struct {
	cfg    Config
	source Source
	store  storage.Service
	fs     afero.Fs
	cron   *cron.Cron

	mu  sync.Mutex
	run sync.Mutex
}

// New builds a backup service. A nil store disables uploads.
func New(cfg Config, source Source, store storage.Service) *Service {
	if cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/"); cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "backups"
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 7
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Service{
		cfg:    cfg,
		source: source,
		store:  store,
		fs:     afero.NewMemMapFs(),
	}
}

func (s *Service) enabled() bool {
	return s.store != nil && s.cfg.Bucket != ""
}

// Start schedules Run. An empty schedule leaves backups manual.
func (s *Service) Start() error {
	if s.cfg.Schedule == "" || !s.enabled() {
		s.cfg.Logger.Info("scheduled backups disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.cfg.Logger))),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.cfg.Logger.Errorf("scheduled backup: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("parse backup schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.cfg.Logger.Infof("backups scheduled: %s", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running backup.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Run exports every resume record and uploads them as one snapshot.
func (s *Service) Run(ctx context.Context) (*Snapshot, error) {
	if !s.enabled() {
		return nil, ErrNotConfigured
	}
	s.run.Lock()
	defer s.run.Unlock()

	now := s.cfg.Clock().UTC()
	name := now.Format(stampLayout)
	logger := s.cfg.Logger.WithField("snapshot", name)

	files, err := s.source.ResumeFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect resume data: %w", err)
	}

	dir := "/" + name
	defer func() {
		if err := s.fs.RemoveAll(dir); err != nil {
			logger.Warnf("clean staging dir: %v", err)
		}
	}()
	size, err := s.stage(dir, files)
	if err != nil {
		return nil, err
	}

	prefix := s.cfg.KeyPrefix + "/" + name
	progressLogger := newUploadProgressLogger(logger)
	dest, err := s.store.UploadDirectory(ctx, s.fs, dir, storage.UploadOptions{
		Bucket:           s.cfg.Bucket,
		KeyPrefix:        prefix,
		ProgressCallback: progressLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}
	logger.Infof("backup of %d jobs uploaded to %s", len(files), dest)

	if err := s.prune(ctx); err != nil {
		logger.Warnf("prune old backups: %v", err)
	}

	return &Snapshot{
		Name:      name,
		Prefix:    prefix,
		Files:     len(files) + 1,
		Size:      size,
		CreatedAt: now,
	}, nil
}

// stage writes the resume files and a manifest under dir.
func (s *Service) stage(dir string, files []downloader.ResumeFile) (int64, error) {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}

	var size int64
	manifest := make([]manifestEntry, 0, len(files))
	for _, f := range files {
		file := FileName(f)
		if err := afero.WriteFile(s.fs, path.Join(dir, file), f.Data, 0o644); err != nil {
			return 0, fmt.Errorf("write %s: %w", file, err)
		}
		size += int64(len(f.Data))
		manifest = append(manifest, manifestEntry{
			JobID:    string(f.JobID),
			InfoHash: f.InfoHash,
			Position: f.Position,
			File:     file,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode manifest: %w", err)
	}
	if err := afero.WriteFile(s.fs, path.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}
	return size + int64(len(data)), nil
}

// FileName names a resume file so a listing sorts in queue order.
func FileName(f downloader.ResumeFile) string {
	if f.Position < 0 {
		return fmt.Sprintf("unmanaged-%s.resume", f.InfoHash)
	}
	return fmt.Sprintf("%04d-%s.resume", f.Position, f.InfoHash)
}

// List returns uploaded snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	if !s.enabled() {
		return nil, ErrNotConfigured
	}
	objects, err := s.store.ListObjects(ctx, s.cfg.Bucket, s.cfg.KeyPrefix+"/")
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Snapshot)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, s.cfg.KeyPrefix+"/")
		name, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		created, err := time.Parse(stampLayout, name)
		if err != nil {
			continue
		}
		snap, ok := byName[name]
		if !ok {
			snap = &Snapshot{Name: name, Prefix: s.cfg.KeyPrefix + "/" + name, CreatedAt: created}
			byName[name] = snap
		}
		snap.Files++
		snap.Size += obj.Size
	}

	snapshots := make([]Snapshot, 0, len(byName))
	for _, snap := range byName {
		snapshots = append(snapshots, *snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// prune deletes all but the newest Keep snapshots.
func (s *Service) prune(ctx context.Context) error {
	snapshots, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) <= s.cfg.Keep {
		return nil
	}
	var errs []error
	for _, snap := range snapshots[s.cfg.Keep:] {
		if err := s.store.DeletePrefix(ctx, s.cfg.Bucket, snap.Prefix+"/"); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", snap.Name, err))
			continue
		}
		s.cfg.Logger.Infof("pruned backup %s", snap.Name)
	}
	return errors.Join(errs...)
}

// URL returns a time-limited download link for an object in a snapshot.
func (s *Service) URL(ctx context.Context, key string) (string, error) {
	if !s.enabled() {
		return "", ErrNotConfigured
	}
	clean := path.Clean("/" + key)[1:]
	if clean != key || !strings.HasPrefix(key, s.cfg.KeyPrefix+"/") {
		return "", fmt.Errorf("%w: %s", ErrUnknownObject, key)
	}
	return s.store.GetObjectURL(ctx, s.cfg.Bucket, key, s.cfg.URLExpiry)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Debugf("upload progress: %d bytes uploaded", done)
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Debugf("upload progress: %.1f%% (%d/%d bytes)", percent, done, total)
	}
}
