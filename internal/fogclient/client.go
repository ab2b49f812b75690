package fogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// Fog node API paths.
const (
	HealthPath = "/openapi.json"
	UploadPath = "/api/v1/upload"
	JobsPath   = "/api/v1/jobs"
	AudioPath  = "/audio/"

	// UploadField is the multipart form field carrying the document.
	UploadField = "file"
)

// maxProbeBody caps how much of the health document is read.
const maxProbeBody = 8 << 20

var (
	// ErrNoOutput is returned when a job has no output files to resolve.
	ErrNoOutput = errors.New("job has no output files")
	// ErrUnsupportedLocation is returned for output locations the client cannot fetch (gs://).
	ErrUnsupportedLocation = errors.New("unsupported output location")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// Client is a thin HTTP client for the fog node worker API.
// A single Client addresses any node; the node base URL is passed per call.
type Client struct {
	http *http.Client
}

// New creates a client. A nil http.Client uses a default one without a
// client-side timeout; callers bound requests through their context.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient}
}

// Probe fetches the node's OpenAPI document. Any 2xx answer is returned with its body.
func (c *Client) Probe(ctx context.Context, nodeURL string) ([]byte, error) {
	res, err := c.do(ctx, http.MethodGet, endpoint(nodeURL, HealthPath), nil, "")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	return io.ReadAll(io.LimitReader(res.Body, maxProbeBody))
}

// ListJobs returns every job the node knows about.
func (c *Client) ListJobs(ctx context.Context, nodeURL string) ([]types.Job, error) {
	var jobs []types.Job
	if err := c.getJSON(ctx, endpoint(nodeURL, JobsPath), &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob fetches a single job.
func (c *Client) GetJob(ctx context.Context, nodeURL, jobID string) (types.Job, error) {
	var job types.Job
	if err := c.getJSON(ctx, jobEndpoint(nodeURL, jobID), &job); err != nil {
		return job, err
	}
	return job, nil
}

// DeleteJob removes a job and its outputs from the node.
func (c *Client) DeleteJob(ctx context.Context, nodeURL, jobID string) error {
	res, err := c.do(ctx, http.MethodDelete, jobEndpoint(nodeURL, jobID), nil, "")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Upload sends a document as multipart form field "file" and returns the created job.
func (c *Client) Upload(ctx context.Context, nodeURL, filename string, r io.Reader) (types.Job, error) {
	var job types.Job

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(UploadField, filename)
	if err != nil {
		return job, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return job, fmt.Errorf("failed to read document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return job, fmt.Errorf("failed to finalize form: %w", err)
	}

	res, err := c.do(ctx, http.MethodPost, endpoint(nodeURL, UploadPath), &buf, mw.FormDataContentType())
	if err != nil {
		return job, err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(&job); err != nil {
		return job, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return job, nil
}

// Download streams the job's first audio output into w.
func (c *Client) Download(ctx context.Context, job types.Job, w io.Writer) (int64, error) {
	audioURL, err := AudioURL(job)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(audioURL, "http") {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedLocation, audioURL)
	}

	res, err := c.do(ctx, http.MethodGet, audioURL, nil, "")
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	return io.Copy(w, res.Body)
}

// AudioURL resolves where the job's first output can be fetched.
// Full URLs and gs:// locations are returned unchanged; node-local paths are
// served by the origin node under /audio/.
func AudioURL(job types.Job) (string, error) {
	if len(job.OutputFiles) == 0 {
		return "", ErrNoOutput
	}

	loc := job.OutputFiles[0]
	if strings.HasPrefix(loc, "http") || strings.HasPrefix(loc, "gs://") {
		return loc, nil
	}
	if job.NodeURL == "" {
		return loc, nil
	}

	name := strings.TrimPrefix(loc, "generated_audio/")
	return strings.TrimSuffix(job.NodeURL, "/") + AudioPath + name, nil
}

// DownloadName is the local file name for a job's audio: the document name with a .wav extension.
func DownloadName(job types.Job) string {
	base := path.Base(strings.ReplaceAll(job.Filename, "\\", "/"))
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		base = job.ID
	}
	return base + ".wav"
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	res, err := c.do(ctx, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do issues the request and turns non-2xx answers into *StatusError.
func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &StatusError{
			Code:   res.StatusCode,
			Status: res.Status,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	return res, nil
}

func endpoint(nodeURL, p string) string {
	return strings.TrimSuffix(nodeURL, "/") + p
}

func jobEndpoint(nodeURL, jobID string) string {
	return endpoint(nodeURL, JobsPath+"/"+url.PathEscape(jobID))
}
