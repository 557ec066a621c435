package storage

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *S3Service {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String("http://127.0.0.1:9000"),
		UsePathStyle: true,
	})
	return NewS3Service(client)
}

func TestGetObjectURL(t *testing.T) {
	svc := newTestService()

	u, err := svc.GetObjectURL(context.Background(), "queue", "backups/20260101T000000Z/manifest.json", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "http://127.0.0.1:9000/queue/backups/20260101T000000Z/manifest.json")
	assert.Contains(t, u, "X-Amz-Expires=60")

	_, err = svc.GetObjectURL(context.Background(), "", "k", time.Minute)
	assert.Error(t, err)
}

func TestUploadDirectoryValidates(t *testing.T) {
	svc := newTestService()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/snap/a.resume", []byte("x"), 0o644))

	_, err := svc.UploadDirectory(context.Background(), fsys, "/snap", UploadOptions{})
	assert.Error(t, err, "bucket required")

	_, err = svc.UploadDirectory(context.Background(), fsys, "/snap/a.resume", UploadOptions{Bucket: "queue"})
	assert.Error(t, err, "root must be a directory")

	_, err = svc.UploadDirectory(context.Background(), fsys, "/missing", UploadOptions{Bucket: "queue"})
	assert.Error(t, err)
}

func TestProgressReporter(t *testing.T) {
	assert.Nil(t, newProgressReporter(10, nil))

	var calls [][2]int64
	p := newProgressReporter(10, func(done, total int64) {
		calls = append(calls, [2]int64{done, total})
	})
	p.report(0)
	_, err := p.Write([]byte("abcd"))
	require.NoError(t, err)
	_, err = p.Write([]byte("efghij"))
	require.NoError(t, err)
	p.flush()

	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, [2]int64{0, 10}, calls[0])
	assert.Equal(t, [2]int64{10, 10}, calls[len(calls)-1])
	assert.Equal(t, [2]int64{10, 10}, calls[len(calls)-2], "completion always fires")
}
