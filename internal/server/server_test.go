package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fogdeck/internal/aggregator"
	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/document"
	"github.com/ChuLiYu/fogdeck/internal/fogclient"
	"github.com/ChuLiYu/fogdeck/internal/fognodetest"
	"github.com/ChuLiYu/fogdeck/internal/metrics"
	"github.com/ChuLiYu/fogdeck/internal/registry"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testEnv struct {
	ctrl *controller.Controller
	srv  *httptest.Server
}

// newTestEnv 建立 controller 與 dashboard server，node 已完成首次健康檢查
func newTestEnv(t *testing.T, config Config, nodes ...*fognodetest.Node) *testEnv {
	t.Helper()

	urls := make([]string, len(nodes))
	for i, n := range nodes {
		urls[i] = n.URL
	}

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	ctrl, err := controller.NewController(controller.Config{
		StateDir:     t.TempDir(),
		DefaultNodes: urls,
		Aggregator:   aggregator.Config{PollInterval: time.Hour},
		Metrics:      metrics.NewCollector(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)
	ctrl.Registry().Wait()

	srv := httptest.NewServer(NewServer(ctrl, config, nil).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{ctrl: ctrl, srv: srv}
}

func startFakeNode(t *testing.T) *fognodetest.Node {
	t.Helper()
	n := fognodetest.New()
	t.Cleanup(n.Close)
	return n
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) refresh(t *testing.T) {
	t.Helper()
	_, err := e.ctrl.Aggregator().Refresh(context.Background())
	require.NoError(t, err)
}

// ============================================================================
// Nodes
// ============================================================================

func TestNodes_ListAddRemove(t *testing.T) {
	a := startFakeNode(t)
	env := newTestEnv(t, Config{}, a)

	resp := env.do(t, http.MethodGet, "/api/nodes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[nodesResponse](t, resp)
	require.Len(t, list.Nodes, 1)
	assert.True(t, list.Nodes[0].IsOnline)

	b := startFakeNode(t)
	resp = env.do(t, http.MethodPost, "/api/nodes", nodeRequest{URL: b.URL + "/"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	added := decode[types.FogNode](t, resp)
	assert.Equal(t, b.URL, added.URL)

	resp = env.do(t, http.MethodDelete, "/api/nodes/"+added.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/nodes/"+added.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodes_AddRejectsEmptyURL(t *testing.T) {
	env := newTestEnv(t, Config{}, startFakeNode(t))

	resp := env.do(t, http.MethodPost, "/api/nodes", nodeRequest{URL: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, env.ctrl.Registry().Nodes(), 1)
}

func TestNodes_RefreshAndFocus(t *testing.T) {
	a := startFakeNode(t)
	env := newTestEnv(t, Config{}, a)

	a.SetHealthy(false)
	resp := env.do(t, http.MethodPost, "/api/nodes/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[nodesResponse](t, resp)
	assert.False(t, list.Nodes[0].IsOnline)

	resp = env.do(t, http.MethodPut, "/api/focus", nodeRequest{URL: a.URL + "/"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, a.URL, decode[nodesResponse](t, resp).Focused)

	resp = env.do(t, http.MethodPut, "/api/focus", nodeRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[nodesResponse](t, resp).Focused)
}

// ============================================================================
// Jobs
// ============================================================================

func TestJobs_ListWithStatusFilter(t *testing.T) {
	a := startFakeNode(t)
	a.SetJobs(
		types.Job{ID: "q", Status: types.StatusQueued},
		types.Job{ID: "c", Status: types.StatusCompleted},
	)
	env := newTestEnv(t, Config{}, a)
	env.refresh(t)

	resp := env.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[types.JobView](t, resp)
	assert.True(t, view.Loaded)
	assert.Len(t, view.Jobs, 2)

	resp = env.do(t, http.MethodGet, "/api/jobs?status=completed", nil)
	view = decode[types.JobView](t, resp)
	require.Len(t, view.Jobs, 1)
	assert.Equal(t, "c", view.Jobs[0].ID)
	assert.Equal(t, a.URL, view.Jobs[0].NodeURL)

	resp = env.do(t, http.MethodGet, "/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobs_GetAndDelete(t *testing.T) {
	a := startFakeNode(t)
	a.SetJobs(types.Job{ID: "j1"}, types.Job{ID: "j2"})
	env := newTestEnv(t, Config{}, a)
	env.refresh(t)

	resp := env.do(t, http.MethodGet, "/api/jobs/j1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, a.URL, decode[types.Job](t, resp).NodeURL)

	resp = env.do(t, http.MethodDelete, "/api/jobs/j1?node="+a.URL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"deleted": true}, decode[map[string]bool](t, resp))
	assert.Len(t, a.Jobs(), 1)

	// 已從視圖隱藏
	resp = env.do(t, http.MethodGet, "/api/jobs/j1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_UnregisteredNodeIsNotContacted(t *testing.T) {
	a := startFakeNode(t)
	stranger := startFakeNode(t)
	stranger.SetJobs(types.Job{ID: "z"})
	env := newTestEnv(t, Config{}, a)
	env.refresh(t)

	resp := env.do(t, http.MethodDelete, "/api/jobs/z?node="+stranger.URL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/jobs/z?node="+stranger.URL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/jobs/z/audio?node="+stranger.URL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Len(t, stranger.Jobs(), 1)
	assert.Zero(t, stranger.Hits("DELETE /api/v1/jobs/{id}"))
	assert.Zero(t, stranger.Hits("GET /api/v1/jobs/{id}"))
}

func TestJobs_Audio(t *testing.T) {
	a := startFakeNode(t)
	a.SetJobs(
		types.Job{ID: "done", Filename: "story.txt", Status: types.StatusCompleted, OutputFiles: []string{"generated_audio/story.wav"}},
		types.Job{ID: "busy", Status: types.StatusProcessing},
		types.Job{ID: "cloud", Filename: "x.txt", Status: types.StatusCompleted, OutputFiles: []string{"gs://bucket/x.wav"}},
	)
	a.SetAudio("story.wav", []byte("RIFFDATA"))
	env := newTestEnv(t, Config{}, a)
	env.refresh(t)

	resp := env.do(t, http.MethodGet, "/api/jobs/done/audio", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "story.wav")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "RIFFDATA", string(body))

	resp = env.do(t, http.MethodGet, "/api/jobs/busy/audio", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/jobs/cloud/audio", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
}

// ============================================================================
// Upload
// ============================================================================

func upload(t *testing.T, env *testEnv, name string, data []byte, node string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	if node != "" {
		require.NoError(t, mw.WriteField("node", node))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	a := startFakeNode(t)
	b := startFakeNode(t)
	env := newTestEnv(t, Config{}, a, b)

	resp := upload(t, env, "chapter.md", []byte("# One"), b.URL)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[types.Job](t, resp)
	assert.Equal(t, b.URL, job.NodeURL)
	assert.Equal(t, types.StatusQueued, job.Status)

	assert.Empty(t, a.Uploads())
	require.Len(t, b.Uploads(), 1)
	assert.Equal(t, "# One", string(b.Uploads()[0].Data))
}

func TestUpload_Rejected(t *testing.T) {
	a := startFakeNode(t)
	env := newTestEnv(t, Config{}, a)

	resp := upload(t, env, "song.mp3", []byte("x"), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = upload(t, env, "story.txt", []byte("x"), "http://unknown:1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := http.Post(env.srv.URL+"/api/upload", "text/plain", strings.NewReader("raw"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, a.Uploads())
}

// ============================================================================
// Status / Metrics / CORS
// ============================================================================

func TestStatus(t *testing.T) {
	a := startFakeNode(t)
	a.SetJobs(types.Job{ID: "j1", Status: types.StatusFailed})
	env := newTestEnv(t, Config{}, a)
	env.refresh(t)

	resp := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[controller.Status](t, resp)
	assert.Equal(t, 1, status.Nodes)
	assert.Equal(t, 1, status.Online)
	assert.Equal(t, 1, status.Jobs)
	assert.Equal(t, 1, status.ByStatus[types.StatusFailed])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{}, startFakeNode(t))
	env.refresh(t)

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fogdeck_nodes_online 1")
	assert.Contains(t, string(body), "fogdeck_poll_cycles_total")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"http://dashboard.local"}}, startFakeNode(t))

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://dashboard.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// ============================================================================
// WebSocket
// ============================================================================

func wsURL(env *testEnv) string {
	return "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/jobs"
}

func TestWatch_StreamsViews(t *testing.T) {
	a := startFakeNode(t)
	env := newTestEnv(t, Config{}, a)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first types.JobView
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.Loaded)

	a.SetJobs(types.Job{ID: "live", Status: types.StatusProcessing})
	env.refresh(t)

	var next types.JobView
	require.NoError(t, conn.ReadJSON(&next))
	assert.True(t, next.Loaded)
	require.Len(t, next.Jobs, 1)
	assert.Equal(t, "live", next.Jobs[0].ID)
}

func TestWatch_ClosesWhenControllerStops(t *testing.T) {
	env := newTestEnv(t, Config{}, startFakeNode(t))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first types.JobView
	require.NoError(t, conn.ReadJSON(&first))

	env.ctrl.Stop()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWatch_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"http://dashboard.local"}}, startFakeNode(t))

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// ============================================================================
// Error mapping
// ============================================================================

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrEmptyURL, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", document.ErrUnsupportedType), http.StatusBadRequest},
		{document.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{controller.ErrJobNotFound, http.StatusNotFound},
		{controller.ErrUnknownNode, http.StatusNotFound},
		{controller.ErrAmbiguousJob, http.StatusConflict},
		{controller.ErrNotPlayable, http.StatusConflict},
		{controller.ErrNoNodes, http.StatusServiceUnavailable},
		{fogclient.ErrUnsupportedLocation, http.StatusUnprocessableEntity},
		{&fogclient.StatusError{Code: http.StatusNotFound}, http.StatusNotFound},
		{&fogclient.StatusError{Code: http.StatusInternalServerError}, http.StatusBadGateway},
		{errors.New("connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

func TestFilterByStatus(t *testing.T) {
	jobs := []types.Job{
		{ID: "1", Status: types.StatusQueued},
		{ID: "2", Status: types.StatusFailed},
		{ID: "3", Status: types.StatusQueued},
	}
	got := FilterByStatus(jobs, types.StatusQueued)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Empty(t, FilterByStatus(jobs, types.StatusCompleted))
}
