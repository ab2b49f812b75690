package fogclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/fogdeck/internal/fognodetest"
	"github.com/ChuLiYu/fogdeck/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()

	c := New(nil)

	body, err := c.Probe(context.Background(), node.URL)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"openapi"`)

	node.SetHealthy(false)
	_, err = c.Probe(context.Background(), node.URL)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
}

func TestListJobs(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	node.SetJobs(
		types.Job{ID: "a", Filename: "book.pdf", Status: types.StatusCompleted, CreatedAt: types.NewTimestamp(created), Progress: 100},
		types.Job{ID: "b", Filename: "notes.txt", Status: types.StatusQueued},
	)

	// A trailing slash on the base URL must not produce a double slash
	jobs, err := New(nil).ListJobs(context.Background(), node.URL+"/")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "a", jobs[0].ID)
	assert.True(t, jobs[0].CreatedAt.Equal(created))
	assert.Empty(t, jobs[0].NodeURL, "provenance is attached by the aggregator, not the client")
	assert.True(t, jobs[1].CreatedAt.IsZero())
}

func TestListJobs_Errors(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()
	c := New(nil)

	node.FailJobs(http.StatusInternalServerError)
	_, err := c.ListJobs(context.Background(), node.URL)
	assert.Error(t, err)

	node.FailJobs(0)
	node.SetMalformed(true)
	_, err = c.ListJobs(context.Background(), node.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")

	node.Close()
	_, err = c.ListJobs(context.Background(), node.URL)
	assert.Error(t, err)
}

func TestGetAndDeleteJob(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()
	node.SetJobs(types.Job{ID: "job 1", Filename: "a.pdf", Status: types.StatusProcessing, Progress: 40})

	c := New(nil)
	ctx := context.Background()

	job, err := c.GetJob(ctx, node.URL, "job 1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, 40.0, job.Progress)

	require.NoError(t, c.DeleteJob(ctx, node.URL, "job 1"))
	assert.Empty(t, node.Jobs())

	err = c.DeleteJob(ctx, node.URL, "job 1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Contains(t, err.Error(), "Job not found")
}

func TestUpload(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()

	job, err := New(nil).Upload(context.Background(), node.URL, "chapter.txt", strings.NewReader("once upon a time"))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)

	uploads := node.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "chapter.txt", uploads[0].Filename)
	assert.Equal(t, "once upon a time", string(uploads[0].Data))
}

func TestUpload_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := New(nil).Upload(context.Background(), srv.URL, "a.txt", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode upload response")
}

func TestAudioURL(t *testing.T) {
	testCases := []struct {
		name string
		job  types.Job
		want string
	}{
		{"full url", types.Job{NodeURL: "http://n1", OutputFiles: []string{"https://cdn/x.wav"}}, "https://cdn/x.wav"},
		{"gcs", types.Job{NodeURL: "http://n1", OutputFiles: []string{"gs://bucket/x.wav"}}, "gs://bucket/x.wav"},
		{"local path", types.Job{NodeURL: "http://n1", OutputFiles: []string{"generated_audio/x.wav"}}, "http://n1/audio/x.wav"},
		{"bare name", types.Job{NodeURL: "http://n1", OutputFiles: []string{"x.wav", "y.wav"}}, "http://n1/audio/x.wav"},
		{"no origin", types.Job{OutputFiles: []string{"generated_audio/x.wav"}}, "generated_audio/x.wav"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AudioURL(tc.job)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := AudioURL(types.Job{})
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "book.wav", DownloadName(types.Job{Filename: "book.pdf"}))
	assert.Equal(t, "my.book.wav", DownloadName(types.Job{Filename: "my.book.epub"}))
	assert.Equal(t, "notes.wav", DownloadName(types.Job{Filename: "dir/notes"}))
	assert.Equal(t, "j1.wav", DownloadName(types.Job{ID: "j1"}))
}

func TestDownload(t *testing.T) {
	node := fognodetest.New()
	defer node.Close()
	node.SetAudio("book.wav", []byte("RIFF"))

	c := New(nil)
	var buf bytes.Buffer

	n, err := c.Download(context.Background(), types.Job{
		NodeURL:     node.URL,
		OutputFiles: []string{"generated_audio/book.wav"},
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "RIFF", buf.String())

	_, err = c.Download(context.Background(), types.Job{OutputFiles: []string{"gs://b/x.wav"}}, &buf)
	assert.ErrorIs(t, err, ErrUnsupportedLocation)
}
