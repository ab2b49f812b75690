// Package server exposes the controller to a browser dashboard: a JSON API,
// a WebSocket stream of the merged job view and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/document"
	"github.com/ChuLiYu/fogdeck/internal/fogclient"
	"github.com/ChuLiYu/fogdeck/internal/metrics"
	"github.com/ChuLiYu/fogdeck/internal/registry"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

const (
	DefaultAddr = ":8080"

	writeWait       = 5 * time.Second
	pingInterval    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config dashboard 伺服器配置
type Config struct {
	Addr           string
	AllowedOrigins []string // 空值表示允許所有來源
}

// Server dashboard HTTP 伺服器
type Server struct {
	controller *controller.Controller
	config     Config
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	handler    http.Handler
}

// NewServer 建立伺服器並註冊路由
func NewServer(ctrl *controller.Controller, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}

	c := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s := &Server{
		controller: ctrl,
		config:     config,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 非瀏覽器客戶端不帶 Origin
				return r.Header.Get("Origin") == "" || c.OriginAllowed(r)
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes", s.handleAddNode)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleRemoveNode)
	mux.HandleFunc("POST /api/nodes/refresh", s.handleRefreshNodes)
	mux.HandleFunc("PUT /api/focus", s.handleFocus)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/audio", s.handleAudio)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /ws/jobs", s.handleWatch)
	mux.Handle("GET /metrics", metrics.Handler())

	s.handler = c.Handler(mux)
	return s
}

// Handler 回傳包含 CORS 的根 handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe 啟動伺服器直到 ctx 結束
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Dashboard server listening", "addr", s.config.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard server failed: %w", err)
	}
	return nil
}

// ============================================================================
// Nodes
// ============================================================================

type nodeRequest struct {
	URL string `json:"url"`
}

type nodesResponse struct {
	Nodes   []types.FogNode `json:"nodes"`
	Focused string          `json:"focused,omitempty"`
}

func (s *Server) nodes() nodesResponse {
	reg := s.controller.Registry()
	return nodesResponse{Nodes: reg.Nodes(), Focused: reg.FocusedNode()}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.nodes())
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	node, err := s.controller.Registry().Add(req.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if !s.controller.Registry().Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, controller.ErrUnknownNode)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshNodes(w http.ResponseWriter, r *http.Request) {
	s.controller.Registry().RefreshAll(r.Context())
	writeJSON(w, http.StatusOK, s.nodes())
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	s.controller.Registry().SetFocusedNode(req.URL)
	writeJSON(w, http.StatusOK, s.nodes())
}

// ============================================================================
// Jobs
// ============================================================================

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	view := s.controller.Aggregator().View()

	if status := types.JobStatus(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
			return
		}
		view.Jobs = FilterByStatus(view.Jobs, status)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.FindJob(r.Context(), r.PathValue("id"), r.URL.Query().Get("node"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.FindJob(r.Context(), r.PathValue("id"), r.URL.Query().Get("node"))
	if err != nil {
		s.fail(w, err)
		return
	}

	deleted, err := s.controller.DeleteJob(r.Context(), job)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.FindJob(r.Context(), r.PathValue("id"), r.URL.Query().Get("node"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !job.Playable() {
		s.fail(w, fmt.Errorf("%w: %s is %s", controller.ErrNotPlayable, job.ID, job.Status))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fogclient.DownloadName(job)))
	n, err := s.controller.DownloadAudio(r.Context(), job, w)
	if err == nil {
		return
	}
	if n == 0 {
		w.Header().Del("Content-Disposition")
		s.fail(w, err)
		return
	}
	// 已寫出部分內容，只能記錄
	s.logger.Warn("Audio stream failed", "job", job.ID, "node", job.NodeURL, "error", err)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	job, err := s.controller.Upload(r.Context(), r.FormValue("node"), header.Filename, data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetStatus())
}

// ============================================================================
// WebSocket
// ============================================================================

// handleWatch 先送出目前視圖，之後每次發布都推送完整視圖
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.controller.Aggregator().Subscribe()
	defer unsubscribe()

	// 讀取迴圈只用來偵測對方關閉
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr)
	if err := writeView(conn, s.controller.Aggregator().View()); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case view, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "aggregator stopped"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeView(conn, view); err != nil {
				s.logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("WebSocket client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeView(conn *websocket.Conn, view types.JobView) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(view)
}

// ============================================================================
// 輔助函數
// ============================================================================

// FilterByStatus 回傳指定狀態的任務，保留原順序
func FilterByStatus(jobs []types.Job, status types.JobStatus) []types.Job {
	out := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out
}

// fail 將領域錯誤轉換為 HTTP 狀態碼
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "error", err)
	}
	writeError(w, code, err)
}

// StatusCode 對應錯誤到 HTTP 狀態碼
func StatusCode(err error) int {
	var statusErr *fogclient.StatusError
	switch {
	case errors.Is(err, registry.ErrEmptyURL),
		errors.Is(err, document.ErrUnsupportedType),
		errors.Is(err, document.ErrEmpty),
		errors.Is(err, document.ErrUnreadablePDF),
		errors.Is(err, document.ErrNoPages):
		return http.StatusBadRequest
	case errors.Is(err, document.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, controller.ErrUnknownNode),
		errors.Is(err, controller.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrAmbiguousJob),
		errors.Is(err, controller.ErrNotPlayable):
		return http.StatusConflict
	case errors.Is(err, fogclient.ErrUnsupportedLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, controller.ErrNoNodes):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
