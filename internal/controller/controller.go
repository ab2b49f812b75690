// ============================================================================
// fogdeck 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組合 registry、aggregator、fog node client 與 metrics，提供上傳、
//       刪除、下載等使用案例給 CLI 與 dashboard API
//
// 架構設計:
//   - Registry: node 集合、存活狀態與 focused node（持久化）
//   - Aggregator: 從在線 node 輪詢任務並合併成單一視圖
//   - Client: fog node worker API
//   - Metrics: Prometheus 指標（可選）
//
// 資料流:
//   Registry → (在線 node 快照) → Aggregator → (合併視圖) → CLI / API
//   Registry 的健康檢查與 Aggregator 的輪詢各自獨立，只透過快照與變更通知耦合
//
// 關閉順序:
//   1. aggregator.Stop() → 取消輪詢與進行中的週期
//   2. registry.Close()  → 取消健康檢查，之後不再寫入持久化狀態
//
// ============================================================================

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fogdeck/internal/aggregator"
	"github.com/ChuLiYu/fogdeck/internal/document"
	"github.com/ChuLiYu/fogdeck/internal/fogclient"
	"github.com/ChuLiYu/fogdeck/internal/health"
	"github.com/ChuLiYu/fogdeck/internal/metrics"
	"github.com/ChuLiYu/fogdeck/internal/registry"
	"github.com/ChuLiYu/fogdeck/internal/storage/state"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNoNodes      = errors.New("no fog nodes registered")
	ErrUnknownNode  = errors.New("fog node is not registered")
	ErrJobNotFound  = errors.New("job not found")
	ErrNotPlayable  = errors.New("job has no playable output")
	ErrAmbiguousJob = errors.New("job id exists on several nodes")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	StateDir     string            // 持久化目錄；空字串表示只保存在記憶體
	DefaultNodes []string          // 無持久化資料時的預設 node
	Health       health.Config     // 健康檢查
	Aggregator   aggregator.Config // 輪詢間隔與去重模式
	Metrics      *metrics.Collector
}

// Controller 核心控制器
type Controller struct {
	client     *fogclient.Client
	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// Status 系統狀態摘要
type Status struct {
	Uptime   string                  `json:"uptime"`
	Nodes    int                     `json:"nodes"`
	Online   int                     `json:"online"`
	Focused  string                  `json:"focused,omitempty"`
	Loaded   bool                    `json:"loaded"`
	Jobs     int                     `json:"jobs"`
	ByStatus map[types.JobStatus]int `json:"by_status"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller，載入持久化的 node 並在背景開始健康檢查
//
// 參數：
//   - config: Controller 配置
//   - logger: nil 時使用 slog.Default()
func NewController(config Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var store state.Store = state.NewMemoryStore()
	if config.StateDir != "" {
		fs, err := state.NewFileStore(config.StateDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		store = fs
	}

	client := fogclient.New(nil)

	regOpts := registry.Options{
		Store:    store,
		Checker:  health.NewChecker(client, config.Health, logger),
		Defaults: config.DefaultNodes,
		Logger:   logger,
	}
	aggOpts := aggregator.Options{
		Fetcher: aggregator.NewNodeFetcher(client, logger, nil),
		Config:  config.Aggregator,
		Logger:  logger,
	}
	// nil *Collector 不能放進介面欄位
	if config.Metrics != nil {
		regOpts.Metrics = config.Metrics
		aggOpts.Metrics = config.Metrics
		aggOpts.Fetcher = aggregator.NewNodeFetcher(client, logger, config.Metrics)
	}

	reg := registry.New(regOpts)
	aggOpts.Source = reg

	return &Controller{
		client:     client,
		registry:   reg,
		aggregator: aggregator.New(aggOpts),
		metrics:    config.Metrics,
		logger:     logger,
		startTime:  time.Now(),
	}, nil
}

// Registry node registry
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Aggregator 任務聚合器
func (c *Controller) Aggregator() *aggregator.Aggregator {
	return c.aggregator
}

// Start 啟動輪詢；ctx 結束時輪詢停止
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true
	c.startTime = time.Now()
	c.aggregator.Start(ctx)

	c.logger.Info("Controller started", "nodes", len(c.registry.Nodes()))
}

// Stop 優雅關閉：先停止輪詢，再關閉 registry
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.aggregator.Stop()
	c.registry.Close()

	c.logger.Info("Controller stopped")
}

// ============================================================================
// 使用案例
// ============================================================================

// PickUploadNode 選擇上傳目標
// 指定 URL 時必須是已註冊的 node；否則選第一個在線 node，都不在線時選第一個 node
func (c *Controller) PickUploadNode(explicit string) (types.FogNode, error) {
	if explicit != "" {
		node, ok := c.registry.NodeByURL(explicit)
		if !ok {
			return types.FogNode{}, fmt.Errorf("%w: %s", ErrUnknownNode, registry.Normalize(explicit))
		}
		return node, nil
	}

	if online := c.registry.OnlineNodes(); len(online) > 0 {
		return online[0], nil
	}
	if nodes := c.registry.Nodes(); len(nodes) > 0 {
		return nodes[0], nil
	}
	return types.FogNode{}, ErrNoNodes
}

// Upload 檢查文件後上傳到選定的 node，成功後立即觸發一次聚合
func (c *Controller) Upload(ctx context.Context, nodeURL, name string, data []byte) (types.Job, error) {
	if _, err := document.Inspect(name, data); err != nil {
		return types.Job{}, err
	}

	node, err := c.PickUploadNode(nodeURL)
	if err != nil {
		return types.Job{}, err
	}

	job, err := c.client.Upload(ctx, node.URL, name, bytes.NewReader(data))
	if c.metrics != nil {
		c.metrics.RecordUpload(err)
	}
	if err != nil {
		c.logger.Warn("Upload failed", "node", node.URL, "file", name, "error", err)
		return types.Job{}, fmt.Errorf("failed to upload to %s: %w", node.URL, err)
	}
	job.NodeURL = node.URL

	c.logger.Info("Document uploaded", "node", node.URL, "file", name, "job", job.ID)
	c.refreshAsync()
	return job, nil
}

// DeleteJob 在來源 node 刪除任務並從視圖中隱藏
// 來源 node 為空或未註冊時不做任何事並回傳 false, nil
func (c *Controller) DeleteJob(ctx context.Context, job types.Job) (bool, error) {
	if job.NodeURL == "" || job.ID == "" {
		c.logger.Warn("Refusing to delete job without origin node", "job", job.ID)
		return false, nil
	}
	if _, ok := c.registry.NodeByURL(job.NodeURL); !ok {
		c.logger.Warn("Refusing to delete job on unregistered node", "node", job.NodeURL, "job", job.ID)
		return false, nil
	}

	err := c.client.DeleteJob(ctx, job.NodeURL, job.ID)
	if c.metrics != nil {
		c.metrics.RecordDelete(err)
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
	}

	c.aggregator.Forget(job)
	c.logger.Info("Job deleted", "node", job.NodeURL, "job", job.ID)
	return true, nil
}

// FindJob 依 ID 找出任務
// 先查目前視圖；找不到且指定了 node 時直接向該 node 查詢
func (c *Controller) FindJob(ctx context.Context, id, nodeURL string) (types.Job, error) {
	if nodeURL != "" {
		nodeURL = registry.Normalize(nodeURL)
	}

	var matches []types.Job
	for _, job := range c.aggregator.Jobs() {
		if job.ID == id && (nodeURL == "" || job.NodeURL == nodeURL) {
			matches = append(matches, job)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
	default:
		return types.Job{}, fmt.Errorf("%w: %s (use --node)", ErrAmbiguousJob, id)
	}

	if nodeURL == "" {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return c.GetJob(ctx, nodeURL, id)
}

// GetJob 直接向 node 查詢單一任務，node 必須已註冊
func (c *Controller) GetJob(ctx context.Context, nodeURL, id string) (types.Job, error) {
	node, ok := c.registry.NodeByURL(nodeURL)
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrUnknownNode, registry.Normalize(nodeURL))
	}
	nodeURL = node.URL

	job, err := c.client.GetJob(ctx, nodeURL, id)
	if err != nil {
		var statusErr *fogclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == 404 {
			return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return types.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	job.NodeURL = nodeURL
	return job, nil
}

// DownloadAudio 將已完成任務的音訊寫入 w
func (c *Controller) DownloadAudio(ctx context.Context, job types.Job, w io.Writer) (int64, error) {
	if !job.Playable() {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotPlayable, job.ID, job.Status)
	}
	n, err := c.client.Download(ctx, job, w)
	if err != nil {
		return n, fmt.Errorf("failed to download audio for %s: %w", job.ID, err)
	}
	return n, nil
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	nodes := c.registry.Nodes()
	view := c.aggregator.View()

	online := 0
	for _, n := range nodes {
		if n.IsOnline {
			online++
		}
	}

	byStatus := make(map[types.JobStatus]int)
	for _, job := range view.Jobs {
		byStatus[job.Status]++
	}

	c.mu.Lock()
	uptime := time.Since(c.startTime).Truncate(time.Second)
	c.mu.Unlock()

	return Status{
		Uptime:   uptime.String(),
		Nodes:    len(nodes),
		Online:   online,
		Focused:  c.registry.FocusedNode(),
		Loaded:   view.Loaded,
		Jobs:     len(view.Jobs),
		ByStatus: byStatus,
	}
}

// refreshAsync 在背景執行一次聚合；已停止時 Refresh 直接返回
func (c *Controller) refreshAsync() {
	go func() {
		if _, err := c.aggregator.Refresh(context.Background()); err != nil {
			c.logger.Debug("Refresh after upload skipped", "error", err)
		}
	}()
}
