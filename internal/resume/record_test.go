package resume

import (
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	var h metainfo.Hash
	for i := range h {
		h[i] = byte(i + 1)
	}
	added := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Record{
		InfoHash:           h,
		Name:               "ubuntu.iso",
		SavePath:           "/data/downloads",
		Trackers:           [][]string{{"udp://a:80"}, {"udp://b:80", "udp://c:80"}},
		URLSeeds:           []string{"http://mirror/ubuntu.iso"},
		HTTPSeeds:          []string{"http://seed/ubuntu.iso"},
		Allocation:         "sparse",
		TotalUploaded:      1 << 30,
		TotalDownloaded:    2 << 30,
		ActiveTime:         90 * time.Minute,
		SeedingTime:        30 * time.Minute,
		FinishedTime:       45 * time.Minute,
		AddedTime:          added,
		CompletedTime:      added.Add(time.Hour),
		NumComplete:        12,
		NumIncomplete:      3,
		NumDownloaded:      400,
		UploadRateLimit:    -1,
		DownloadRateLimit:  65536,
		MaxConnections:     35,
		MaxUploads:         -1,
		AutoManaged:        true,
		SequentialDownload: true,
		ApplyIPFilter:      true,
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sampleRecord()
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeWritesSchedulerKeys(t *testing.T) {
	in := sampleRecord()
	in.Paused = true
	b, err := Encode(in)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, bencode.Unmarshal(b, &raw))

	assert.Equal(t, FileFormat, raw["file-format"])
	assert.EqualValues(t, FileVersion, raw["file-version"])
	assert.EqualValues(t, 1, raw["paused"])
	assert.EqualValues(t, 1, raw["auto_managed"])
	assert.EqualValues(t, 1, raw["sequential_download"])
	assert.EqualValues(t, 0, raw["seed_mode"])
	assert.EqualValues(t, 5400, raw["active_time"])
	assert.EqualValues(t, 1800, raw["seeding_time"])
	assert.EqualValues(t, 2700, raw["finished_time"])
	for _, key := range []string{
		"upload_rate_limit", "download_rate_limit",
		"num_complete", "num_incomplete", "num_downloaded",
		"info-hash", "trackers", "url-list", "httpseeds",
		"disable_dht", "disable_lsd", "disable_pex",
	} {
		assert.Contains(t, raw, key)
	}
}

func TestDecodeMissingKeys(t *testing.T) {
	r, err := Decode([]byte("d11:file-format22:libtorrent resume filee"))
	require.NoError(t, err)
	assert.False(t, r.AutoManaged)
	assert.Zero(t, r.ActiveTime)
	assert.True(t, r.AddedTime.IsZero())
	assert.Equal(t, metainfo.Hash{}, r.InfoHash)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		err  error
	}{
		{"wrong format", "d11:file-format5:bogus12:auto_managedi1ee", ErrFileFormat},
		{"no format", "d6:pausedi1ee", ErrFileFormat},
		{"short info-hash", "d11:file-format22:libtorrent resume file9:info-hash3:abce", ErrInfoHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := Decode([]byte("not bencode"))
	assert.Error(t, err)
}
