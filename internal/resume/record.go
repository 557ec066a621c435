// Package resume encodes the per-job resume record persisted between runs.
package resume

import (
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const (
	FileFormat  = "libtorrent resume file"
	FileVersion = 1
	// EngineVersion is written as libtorrent-version.
	EngineVersion = "magnet-queue/1.0"
)

var (
	// ErrFileFormat is returned for records not written by a compatible engine.
	ErrFileFormat = errors.New("not a resume file")
	// ErrInfoHash is returned when the stored info-hash has the wrong length.
	ErrInfoHash = errors.New("malformed info-hash")
)

// Record is the decoded resume state of one job.
type Record struct {
	InfoHash  metainfo.Hash
	Name      string
	SavePath  string
	Trackers  [][]string
	URLSeeds  []string
	HTTPSeeds []string

	Allocation string

	TotalUploaded   int64
	TotalDownloaded int64

	ActiveTime   time.Duration
	SeedingTime  time.Duration
	FinishedTime time.Duration

	AddedTime        time.Time
	CompletedTime    time.Time
	LastDownload     time.Time
	LastUpload       time.Time
	LastSeenComplete time.Time

	NumComplete   int64
	NumIncomplete int64
	NumDownloaded int64

	UploadRateLimit   int64
	DownloadRateLimit int64
	MaxConnections    int64
	MaxUploads        int64

	Paused             bool
	AutoManaged        bool
	SequentialDownload bool
	SeedMode           bool
	UploadMode         bool
	SuperSeeding       bool
	ShareMode          bool
	ApplyIPFilter      bool
	StopWhenReady      bool
	DisableDHT         bool
	DisableLSD         bool
	DisablePEX         bool
}

// Flags are written as integers 0 and 1.
type wireRecord struct {
	FileFormat        string     `bencode:"file-format"`
	FileVersion       int64      `bencode:"file-version"`
	LibtorrentVersion string     `bencode:"libtorrent-version"`
	Allocation        string     `bencode:"allocation"`
	InfoHash          string     `bencode:"info-hash"`
	Name              string     `bencode:"name"`
	SavePath          string     `bencode:"save_path"`
	Trackers          [][]string `bencode:"trackers"`
	URLList           []string   `bencode:"url-list"`
	HTTPSeeds         []string   `bencode:"httpseeds"`

	TotalUploaded   int64 `bencode:"total_uploaded"`
	TotalDownloaded int64 `bencode:"total_downloaded"`
	ActiveTime      int64 `bencode:"active_time"`
	SeedingTime     int64 `bencode:"seeding_time"`
	FinishedTime    int64 `bencode:"finished_time"`

	AddedTime        int64 `bencode:"added_time"`
	CompletedTime    int64 `bencode:"completed_time"`
	LastDownload     int64 `bencode:"last_download"`
	LastUpload       int64 `bencode:"last_upload"`
	LastSeenComplete int64 `bencode:"last_seen_complete"`

	NumComplete   int64 `bencode:"num_complete"`
	NumIncomplete int64 `bencode:"num_incomplete"`
	NumDownloaded int64 `bencode:"num_downloaded"`

	UploadRateLimit   int64 `bencode:"upload_rate_limit"`
	DownloadRateLimit int64 `bencode:"download_rate_limit"`
	MaxConnections    int64 `bencode:"max_connections"`
	MaxUploads        int64 `bencode:"max_uploads"`

	Paused             int64 `bencode:"paused"`
	AutoManaged        int64 `bencode:"auto_managed"`
	SequentialDownload int64 `bencode:"sequential_download"`
	SeedMode           int64 `bencode:"seed_mode"`
	UploadMode         int64 `bencode:"upload_mode"`
	SuperSeeding       int64 `bencode:"super_seeding"`
	ShareMode          int64 `bencode:"share_mode"`
	ApplyIPFilter      int64 `bencode:"apply_ip_filter"`
	StopWhenReady      int64 `bencode:"stop_when_ready"`
	DisableDHT         int64 `bencode:"disable_dht"`
	DisableLSD         int64 `bencode:"disable_lsd"`
	DisablePEX         int64 `bencode:"disable_pex"`
}

// Encode serialises r as a bencoded dictionary.
func Encode(r Record) ([]byte, error) {
	w := wireRecord{
		FileFormat:        FileFormat,
		FileVersion:       FileVersion,
		LibtorrentVersion: EngineVersion,
		Allocation:        r.Allocation,
		InfoHash:          string(r.InfoHash[:]),
		Name:              r.Name,
		SavePath:          r.SavePath,
		Trackers:          nonNilTiers(r.Trackers),
		URLList:           nonNil(r.URLSeeds),
		HTTPSeeds:         nonNil(r.HTTPSeeds),

		TotalUploaded:   r.TotalUploaded,
		TotalDownloaded: r.TotalDownloaded,
		ActiveTime:      seconds(r.ActiveTime),
		SeedingTime:     seconds(r.SeedingTime),
		FinishedTime:    seconds(r.FinishedTime),

		AddedTime:        unix(r.AddedTime),
		CompletedTime:    unix(r.CompletedTime),
		LastDownload:     unix(r.LastDownload),
		LastUpload:       unix(r.LastUpload),
		LastSeenComplete: unix(r.LastSeenComplete),

		NumComplete:   r.NumComplete,
		NumIncomplete: r.NumIncomplete,
		NumDownloaded: r.NumDownloaded,

		UploadRateLimit:   r.UploadRateLimit,
		DownloadRateLimit: r.DownloadRateLimit,
		MaxConnections:    r.MaxConnections,
		MaxUploads:        r.MaxUploads,

		Paused:             flag(r.Paused),
		AutoManaged:        flag(r.AutoManaged),
		SequentialDownload: flag(r.SequentialDownload),
		SeedMode:           flag(r.SeedMode),
		UploadMode:         flag(r.UploadMode),
		SuperSeeding:       flag(r.SuperSeeding),
		ShareMode:          flag(r.ShareMode),
		ApplyIPFilter:      flag(r.ApplyIPFilter),
		StopWhenReady:      flag(r.StopWhenReady),
		DisableDHT:         flag(r.DisableDHT),
		DisableLSD:         flag(r.DisableLSD),
		DisablePEX:         flag(r.DisablePEX),
	}
	if w.Allocation == "" {
		w.Allocation = "sparse"
	}
	b, err := bencode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode resume record: %w", err)
	}
	return b, nil
}

// Decode parses a record written by Encode. Missing keys decode to zero.
func Decode(b []byte) (Record, error) {
	var w wireRecord
	if err := bencode.Unmarshal(b, &w); err != nil {
		return Record{}, fmt.Errorf("decode resume record: %w", err)
	}
	if w.FileFormat != FileFormat {
		return Record{}, fmt.Errorf("%w: file-format %q", ErrFileFormat, w.FileFormat)
	}

	var r Record
	switch len(w.InfoHash) {
	case 0:
	case len(r.InfoHash):
		copy(r.InfoHash[:], w.InfoHash)
	default:
		return Record{}, fmt.Errorf("%w: %d bytes", ErrInfoHash, len(w.InfoHash))
	}

	r.Name = w.Name
	r.SavePath = w.SavePath
	r.Trackers = w.Trackers
	r.URLSeeds = w.URLList
	r.HTTPSeeds = w.HTTPSeeds
	r.Allocation = w.Allocation

	r.TotalUploaded = w.TotalUploaded
	r.TotalDownloaded = w.TotalDownloaded
	r.ActiveTime = time.Duration(w.ActiveTime) * time.Second
	r.SeedingTime = time.Duration(w.SeedingTime) * time.Second
	r.FinishedTime = time.Duration(w.FinishedTime) * time.Second

	r.AddedTime = fromUnix(w.AddedTime)
	r.CompletedTime = fromUnix(w.CompletedTime)
	r.LastDownload = fromUnix(w.LastDownload)
	r.LastUpload = fromUnix(w.LastUpload)
	r.LastSeenComplete = fromUnix(w.LastSeenComplete)

	r.NumComplete = w.NumComplete
	r.NumIncomplete = w.NumIncomplete
	r.NumDownloaded = w.NumDownloaded

	r.UploadRateLimit = w.UploadRateLimit
	r.DownloadRateLimit = w.DownloadRateLimit
	r.MaxConnections = w.MaxConnections
	r.MaxUploads = w.MaxUploads

	r.Paused = w.Paused != 0
	r.AutoManaged = w.AutoManaged != 0
	r.SequentialDownload = w.SequentialDownload != 0
	r.SeedMode = w.SeedMode != 0
	r.UploadMode = w.UploadMode != 0
	r.SuperSeeding = w.SuperSeeding != 0
	r.ShareMode = w.ShareMode != 0
	r.ApplyIPFilter = w.ApplyIPFilter != 0
	r.StopWhenReady = w.StopWhenReady != 0
	r.DisableDHT = w.DisableDHT != 0
	r.DisableLSD = w.DisableLSD != 0
	r.DisablePEX = w.DisablePEX != 0
	return r, nil
}

func flag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilTiers(t [][]string) [][]string {
	if t == nil {
		return [][]string{}
	}
	return t
}
