package downloader

import (
	"context"
	"fmt"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"
)

// transfer is the part of a torrent a job drives.
type transfer interface {
	InfoHash() string
	Name() string
	HasInfo() bool
	// WaitInfo blocks until metadata is available or ctx ends.
	WaitInfo(ctx context.Context) bool
	// Verify hashes all pieces on disk and blocks until done.
	Verify()
	Start(maxConns int)
	Stop()
	// Progress reports completed and missing payload bytes.
	Progress() (completed, missing int64)
	// Swarm reports bytes uploaded this session and the peer counts.
	Swarm() (uploaded int64, peers, seeds int)
	AddTrackers(tiers [][]string)
	Drop()
}

// engine creates transfers.
type engine interface {
	AddMagnet(uri string) (transfer, error)
	Close()
}

type EngineConfig struct {
	DataDir           string
	DownloadRateLimit int64
	UploadRateLimit   int64
	ListenPort        int
}

type anacrolixEngine struct {
	client *torrent.Client
}

func newAnacrolixEngine(cfg EngineConfig) (*anacrolixEngine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = true
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	if l := newLimiter(cfg.DownloadRateLimit); l != nil {
		clientConfig.DownloadRateLimiter = l
	}
	if l := newLimiter(cfg.UploadRateLimit); l != nil {
		clientConfig.UploadRateLimiter = l
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return &anacrolixEngine{client: client}, nil
}

// newLimiter returns nil for unlimited. The burst must cover a whole chunk.
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < 256<<10 {
		burst = 256 << 10
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (e *anacrolixEngine) AddMagnet(uri string) (transfer, error) {
	t, err := e.client.AddMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	// nothing moves until the scheduler admits the job
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	return &anacrolixTransfer{t: t}, nil
}

func (e *anacrolixEngine) Close() {
	e.client.Close()
}

type anacrolixTransfer struct {
	t *torrent.Torrent
}

func (a *anacrolixTransfer) InfoHash() string { return a.t.InfoHash().HexString() }

func (a *anacrolixTransfer) Name() string {
	if info := a.t.Info(); info != nil {
		return info.BestName()
	}
	return ""
}

func (a *anacrolixTransfer) HasInfo() bool { return a.t.Info() != nil }

func (a *anacrolixTransfer) WaitInfo(ctx context.Context) bool {
	select {
	case <-a.t.GotInfo():
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *anacrolixTransfer) Verify() {
	a.t.VerifyData()
}

func (a *anacrolixTransfer) Start(maxConns int) {
	a.t.AllowDataDownload()
	a.t.AllowDataUpload()
	a.t.SetMaxEstablishedConns(maxConns)
	if a.t.Info() != nil {
		a.t.DownloadAll()
	}
}

func (a *anacrolixTransfer) Stop() {
	a.t.DisallowDataDownload()
	a.t.DisallowDataUpload()
	a.t.SetMaxEstablishedConns(0)
}

func (a *anacrolixTransfer) Progress() (int64, int64) {
	if a.t.Info() == nil {
		return 0, 0
	}
	return a.t.BytesCompleted(), a.t.BytesMissing()
}

func (a *anacrolixTransfer) Swarm() (int64, int, int) {
	stats := a.t.Stats()
	return stats.BytesWrittenData.Int64(), stats.TotalPeers, stats.ConnectedSeeders
}

func (a *anacrolixTransfer) AddTrackers(tiers [][]string) {
	a.t.AddTrackers(tiers)
}

func (a *anacrolixTransfer) Drop() {
	a.t.Drop()
}
