package http

import (
	"time"

	"magnet-queue/internal/downloader"
	"magnet-queue/internal/scheduler"
)

type JobResponse struct {
	ID              string    `json:"id"`
	MagnetURI       string    `json:"magnet"`
	InfoHash        string    `json:"info_hash"`
	Name            string    `json:"name"`
	SavePath        string    `json:"save_path"`
	Position        int       `json:"position"`
	State           string    `json:"state"`
	Paused          bool      `json:"paused"`
	AutoManaged     bool      `json:"auto_managed"`
	CheckingAllowed bool      `json:"checking_allowed"`
	Category        string    `json:"category,omitempty"`
	Slow            bool      `json:"slow"`
	Tag             string    `json:"tag,omitempty"`
	DownloadRate    int64     `json:"download_rate"`
	UploadRate      int64     `json:"upload_rate"`
	Completed       int64     `json:"completed"`
	Missing         int64     `json:"missing"`
	Progress        float64   `json:"progress"`
	Peers           int       `json:"peers"`
	Seeds           int       `json:"seeds"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func jobToResponse(v downloader.JobView) JobResponse {
	var progress float64
	if total := v.Completed + v.Missing; total > 0 {
		progress = float64(v.Completed) / float64(total)
	}
	return JobResponse{
		ID:              v.Job.ID.String(),
		MagnetURI:       v.Job.MagnetURI,
		InfoHash:        v.Job.InfoHash,
		Name:            v.Job.Name,
		SavePath:        v.Job.SavePath,
		Position:        v.Position,
		State:           string(v.Status.State),
		Paused:          v.Status.Paused,
		AutoManaged:     v.Status.AutoManaged,
		CheckingAllowed: v.Status.CheckingAllowed,
		Category:        v.Category,
		Slow:            v.Slow,
		Tag:             v.Tag,
		DownloadRate:    v.Status.DownloadRate,
		UploadRate:      v.Status.UploadRate,
		Completed:       v.Completed,
		Missing:         v.Missing,
		Progress:        progress,
		Peers:           v.Peers,
		Seeds:           v.Seeds,
		Error:           v.Error,
		CreatedAt:       v.Job.CreatedAt,
		UpdatedAt:       v.Job.UpdatedAt,
	}
}

type LimitsResponse struct {
	ActiveDownloads       int   `json:"active_downloads"`
	ActiveSeeds           int   `json:"active_seeds"`
	ActiveChecking        int   `json:"active_checking"`
	ActiveLimit           int   `json:"active_limit"`
	DontCountSlowTorrents bool  `json:"dont_count_slow_torrents"`
	InactiveDownRate      int64 `json:"inactive_down_rate"`
	InactiveUpRate        int64 `json:"inactive_up_rate"`
	SlowGraceSeconds      int64 `json:"slow_grace_seconds"`
}

func limitsToResponse(l scheduler.Limits) LimitsResponse {
	return LimitsResponse{
		ActiveDownloads:       l.ActiveDownloads,
		ActiveSeeds:           l.ActiveSeeds,
		ActiveChecking:        l.ActiveChecking,
		ActiveLimit:           l.ActiveLimit,
		DontCountSlowTorrents: l.DontCountSlowTorrents,
		InactiveDownRate:      l.InactiveDownloadRate,
		InactiveUpRate:        l.InactiveUploadRate,
		SlowGraceSeconds:      int64(l.SlowGracePeriod / time.Second),
	}
}

type CountsResponse struct {
	Checking  int `json:"checking"`
	Downloads int `json:"downloads"`
	Seeds     int `json:"seeds"`
	Slow      int `json:"slow"`
}

type JobReportResponse struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	State    string `json:"state"`
	Paused   bool   `json:"paused"`
	Managed  bool   `json:"managed"`
	Category string `json:"category"`
	Slow     bool   `json:"slow"`
	Tag      string `json:"tag,omitempty"`
}

type ReportResponse struct {
	At          time.Time           `json:"at"`
	Limits      LimitsResponse      `json:"limits"`
	Before      CountsResponse      `json:"before"`
	Target      CountsResponse      `json:"target"`
	Transitions int                 `json:"transitions"`
	Failures    int                 `json:"failures"`
	DurationMS  float64             `json:"duration_ms"`
	Jobs        []JobReportResponse `json:"jobs"`
}

func countsToResponse(n scheduler.Counts) CountsResponse {
	return CountsResponse{Checking: n.Checking, Downloads: n.Downloads, Seeds: n.Seeds, Slow: n.Slow}
}

func reportToResponse(r scheduler.Report) ReportResponse {
	jobs := make([]JobReportResponse, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		jr := JobReportResponse{
			ID:       j.ID.String(),
			Position: j.Position,
			State:    string(j.State),
			Paused:   j.Paused,
			Managed:  j.Managed,
			Category: j.Category.String(),
			Slow:     j.Slow,
		}
		if j.Tagged {
			jr.Tag = j.Tag.String()
		}
		jobs = append(jobs, jr)
	}
	return ReportResponse{
		At:          r.At,
		Limits:      limitsToResponse(r.Limits),
		Before:      countsToResponse(r.Before),
		Target:      countsToResponse(r.Target),
		Transitions: r.Transitions,
		Failures:    r.Failures,
		DurationMS:  float64(r.Duration) / float64(time.Millisecond),
		Jobs:        jobs,
	}
}
