// Package fognodetest provides an in-process fog node that implements the
// worker HTTP API. It is used by package tests and by the demo command.
package fognodetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// DefaultSchema is a minimal OpenAPI document advertising the jobs API.
const DefaultSchema = `{
  "openapi": "3.0.3",
  "info": {"title": "fog node", "version": "1.0.0"},
  "paths": {
    "/api/v1/jobs": {"get": {"responses": {"200": {"description": "jobs"}}}},
    "/api/v1/upload": {"post": {"responses": {"200": {"description": "job"}}}}
  }
}`

// Upload records one received document.
type Upload struct {
	Filename string
	Data     []byte
	JobID    string
}

// Node is a fake fog node backed by httptest.Server.
type Node struct {
	*httptest.Server

	mu        sync.Mutex
	jobs      []types.Job
	audio     map[string][]byte
	uploads   []Upload
	hits      map[string]int
	healthy   bool
	listCode  int
	malformed bool
	schema    string
	delay     time.Duration
	nextID    int
}

// New starts a healthy node with no jobs. Close it with Close.
func New() *Node {
	n := &Node{
		audio:   make(map[string][]byte),
		hits:    make(map[string]int),
		healthy: true,
		schema:  DefaultSchema,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /openapi.json", n.handleSchema)
	mux.HandleFunc("POST /api/v1/upload", n.handleUpload)
	mux.HandleFunc("GET /api/v1/jobs", n.handleList)
	mux.HandleFunc("GET /api/v1/jobs/{id}", n.handleGet)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", n.handleDelete)
	mux.HandleFunc("GET /audio/{name}", n.handleAudio)

	n.Server = httptest.NewServer(n.count(mux))
	return n
}

// SetJobs replaces the node's job list.
func (n *Node) SetJobs(jobs ...types.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append([]types.Job(nil), jobs...)
}

// AddJob appends a job.
func (n *Node) AddJob(job types.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

// Jobs returns a copy of the current job list.
func (n *Node) Jobs() []types.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Job(nil), n.jobs...)
}

// Uploads returns every document received so far.
func (n *Node) Uploads() []Upload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Upload(nil), n.uploads...)
}

// SetHealthy toggles the health probe between 200 and 503.
func (n *Node) SetHealthy(healthy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = healthy
}

// SetSchema replaces the body served at /openapi.json.
func (n *Node) SetSchema(body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.schema = body
}

// FailJobs makes the list endpoint answer with code. Zero restores normal behaviour.
func (n *Node) FailJobs(code int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listCode = code
}

// SetMalformed makes the list endpoint return an unparseable body.
func (n *Node) SetMalformed(malformed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.malformed = malformed
}

// SetDelay delays every response.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// SetAudio serves data at /audio/{name}.
func (n *Node) SetAudio(name string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio[name] = data
}

// Hits reports how many requests matched a mux pattern such as "GET /api/v1/jobs".
func (n *Node) Hits(pattern string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[pattern]
}

func (n *Node) count(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)

		n.mu.Lock()
		delay := n.delay
		n.hits[pattern]++
		n.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		mux.ServeHTTP(w, r)
	})
}

func (n *Node) handleSchema(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	healthy, schema := n.healthy, n.schema
	n.mu.Unlock()

	if !healthy {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, schema)
}

func (n *Node) handleList(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	code, malformed := n.listCode, n.malformed
	jobs := append([]types.Job(nil), n.jobs...)
	n.mu.Unlock()

	if code != 0 {
		http.Error(w, "list failed", code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if malformed {
		_, _ = io.WriteString(w, `{"jobs": [`)
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	_ = json.NewEncoder(w).Encode(jobs)
}

func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := n.find(r.PathValue("id"))
	if !ok {
		http.Error(w, `{"detail":"Job not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	n.mu.Lock()
	defer n.mu.Unlock()
	for i, job := range n.jobs {
		if job.ID == id {
			n.jobs = append(n.jobs[:i], n.jobs[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"detail":"Job not found"}`, http.StatusNotFound)
}

func (n *Node) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}

	n.mu.Lock()
	n.nextID++
	job := types.Job{
		ID:        fmt.Sprintf("job-%d", n.nextID),
		Filename:  header.Filename,
		Status:    types.StatusQueued,
		CreatedAt: types.NewTimestamp(time.Now().UTC()),
		Message:   "Queued",
	}
	n.jobs = append(n.jobs, job)
	n.uploads = append(n.uploads, Upload{Filename: header.Filename, Data: data, JobID: job.ID})
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (n *Node) handleAudio(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	data, ok := n.audio[r.PathValue("name")]
	n.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(data)
}

func (n *Node) find(id string) (types.Job, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, job := range n.jobs {
		if job.ID == id {
			return job, true
		}
	}
	return types.Job{}, false
}
