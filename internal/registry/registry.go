// ============================================================================
// Node Registry - fog node 集合與選取狀態的唯一擁有者
// ============================================================================
//
// Package: internal/registry
// 功能: 管理 fog node 清單、存活狀態與 focused node 選取，並持久化兩者
//
// 並發模型:
//   - 所有狀態由 mu 保護，對外只回傳副本
//   - 健康檢查在背景 goroutine 執行，完成後依 ID 合併回「當下」的集合
//     （期間被移除的 node 結果直接丟棄，期間新增的 node 不受影響）
//   - Close() 取消所有進行中的檢查並等待結束，之後不再合併也不再寫入
//
// 持久化:
//   - fognode_nodes: FogNode JSON 陣列
//   - fognode_selected_node: focused node URL（未選取時刪除）
//   - 每次變更都寫入；啟動時讀回，缺少/損壞/空白時使用預設 node
//
// ============================================================================

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fogdeck/internal/storage/state"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// 持久化 key
const (
	NodesKey    = "fognode_nodes"
	SelectedKey = "fognode_selected_node"
)

// DefaultNodeURL 未設定預設 node 時使用
const DefaultNodeURL = "http://localhost:8000"

var (
	ErrEmptyURL     = errors.New("node url is empty")
	ErrClosed       = errors.New("registry is closed")
	ErrCorruptState = errors.New("persisted node state is corrupted")
)

// Checker 單一 node 的健康檢查（由 health.Checker 實作）
type Checker interface {
	Check(ctx context.Context, node types.FogNode) types.FogNode
}

// Recorder 健康檢查指標（由 metrics.Collector 實作）
type Recorder interface {
	ObserveHealthCheck(online bool, duration time.Duration)
	SetNodeCounts(total, online int)
}

// Options Registry 配置
type Options struct {
	Store    state.Store  // nil 時使用記憶體儲存
	Checker  Checker      // 必填
	Defaults []string     // 無持久化資料時使用；空白時為 DefaultNodeURL
	Logger   *slog.Logger // nil 時使用 slog.Default()
	Metrics  Recorder     // 可選

	// NewID 產生 node ID，預設為 UUID v4
	NewID func() string
}

// Registry node 集合
type Registry struct {
	mu      sync.Mutex
	nodes   []types.FogNode
	focused string
	subs    map[int]chan struct{}
	nextSub int
	closed  bool

	store   state.Store
	checker Checker
	logger  *slog.Logger
	metrics Recorder
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // 背景健康檢查
}

// ============================================================================
// 建立與載入
// ============================================================================

// New 建立 Registry，載入持久化狀態並在背景執行一次 RefreshAll
func New(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		subs:    make(map[int]chan struct{}),
		store:   opts.Store,
		checker: opts.Checker,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		newID:   opts.NewID,
		ctx:     ctx,
		cancel:  cancel,
	}

	r.mu.Lock()
	r.load(opts.Defaults)
	r.persistLocked()
	r.mu.Unlock()

	r.spawn(func(ctx context.Context) {
		r.RefreshAll(ctx)
	})
	return r
}

// load 讀回持久化狀態，呼叫者須持有 mu
func (r *Registry) load(defaults []string) {
	nodes, err := r.loadNodes()
	if err != nil {
		r.logger.Warn("Discarding persisted nodes", "error", err)
		nodes = nil
	}
	if len(nodes) == 0 {
		nodes = r.defaultNodes(defaults)
		r.logger.Info("Using default nodes", "count", len(nodes))
	}
	r.nodes = nodes

	selected, err := r.store.Get(SelectedKey)
	switch {
	case err == nil:
		r.focused = strings.TrimSpace(string(selected))
	case !errors.Is(err, state.ErrNotFound):
		r.logger.Warn("Failed to load focused node", "error", err)
	}
}

func (r *Registry) loadNodes() ([]types.FogNode, error) {
	data, err := r.store.Get(NodesKey)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var stored []types.FogNode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	nodes := make([]types.FogNode, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, n := range stored {
		n.URL = Normalize(n.URL)
		if n.URL == "" || seen[n.URL] {
			continue
		}
		if n.ID == "" {
			n.ID = r.newID()
		}
		seen[n.URL] = true
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (r *Registry) defaultNodes(defaults []string) []types.FogNode {
	if len(defaults) == 0 {
		defaults = []string{DefaultNodeURL}
	}

	nodes := make([]types.FogNode, 0, len(defaults))
	seen := make(map[string]bool, len(defaults))
	for _, raw := range defaults {
		url := Normalize(raw)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		nodes = append(nodes, types.FogNode{ID: r.newID(), URL: url})
	}
	return nodes
}

// ============================================================================
// 變更操作
// ============================================================================

// Add 新增 node
//
// URL 正規化後若已存在則直接回傳既有 node（不做任何變更）。
// 新 node 以離線狀態立即加入並持久化，健康檢查在背景執行，不阻塞呼叫者。
func (r *Registry) Add(raw string) (types.FogNode, error) {
	url := Normalize(raw)
	if url == "" {
		return types.FogNode{}, ErrEmptyURL
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.FogNode{}, ErrClosed
	}
	if i := r.indexByURL(url); i >= 0 {
		existing := r.nodes[i]
		r.mu.Unlock()
		return existing, nil
	}

	node := types.FogNode{ID: r.newID(), URL: url}
	r.nodes = append(r.nodes, node)
	r.persistLocked()
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("Node added", "node", url, "id", node.ID)

	r.spawn(func(ctx context.Context) {
		r.checkAndMerge(ctx, node)
	})
	return node, nil
}

// Remove 移除 node；若它是 focused node 則同時清除選取
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	i := r.indexByID(id)
	if i < 0 {
		return false
	}

	removed := r.nodes[i]
	r.nodes = append(r.nodes[:i:i], r.nodes[i+1:]...)
	if removed.URL == r.focused {
		r.focused = ""
	}
	r.persistLocked()
	r.notifyLocked()

	r.logger.Info("Node removed", "node", removed.URL, "id", id)
	return true
}

// SetFocusedNode 設定 focused node；空字串清除選取
// 允許設定不在集合中的 URL，此時聚合結果為空
func (r *Registry) SetFocusedNode(url string) {
	url = Normalize(url)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || url == r.focused {
		return
	}
	r.focused = url
	r.persistLocked()
	r.notifyLocked()
}

// RefreshAll 並發檢查呼叫當下已知的所有 node
// 每個結果依 ID 合併回完成時的集合；Close() 會中止進行中的檢查
func (r *Registry) RefreshAll(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	nodes := append([]types.FogNode(nil), r.nodes...)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		g.Go(func() error {
			r.checkAndMerge(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	r.recordCounts()
}

// checkAndMerge 執行健康檢查並把結果合併回目前的集合
func (r *Registry) checkAndMerge(ctx context.Context, node types.FogNode) {
	start := time.Now()
	result := r.checker.Check(ctx, node)
	if ctx.Err() != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveHealthCheck(result.IsOnline, time.Since(start))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	i := r.indexByID(result.ID)
	if i < 0 {
		// 檢查期間已被移除
		return
	}

	changed := r.nodes[i].IsOnline != result.IsOnline
	r.nodes[i].IsOnline = result.IsOnline
	r.nodes[i].LastPing = result.LastPing
	r.persistLocked()
	if changed {
		r.logger.Info("Node liveness changed", "node", result.URL, "online", result.IsOnline)
		r.notifyLocked()
	}
}

// ============================================================================
// 快照查詢
// ============================================================================

// Nodes 回傳所有 node 的副本（依加入順序）
func (r *Registry) Nodes() []types.FogNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.FogNode(nil), r.nodes...)
}

// OnlineNodes 回傳在線 node 的副本（依加入順序）
func (r *Registry) OnlineNodes() []types.FogNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	online := make([]types.FogNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.IsOnline {
			online = append(online, n)
		}
	}
	return online
}

// FocusedNode 回傳 focused node URL，未選取時為空字串
func (r *Registry) FocusedNode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// Node 依 ID 查詢
func (r *Registry) Node(id string) (types.FogNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByID(id); i >= 0 {
		return r.nodes[i], true
	}
	return types.FogNode{}, false
}

// NodeByURL 依 URL 查詢（先正規化）
func (r *Registry) NodeByURL(url string) (types.FogNode, bool) {
	url = Normalize(url)

	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByURL(url); i >= 0 {
		return r.nodes[i], true
	}
	return types.FogNode{}, false
}

// Subscribe 訂閱變更通知
// 通道容量為 1，連續變更可能合併為一次通知；Close() 後通道會被關閉
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{}, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(ch)
			}
		})
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// Wait 等待背景健康檢查完成（不取消）
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close 取消進行中的檢查並等待結束；之後不再合併結果也不再寫入
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()

	r.logger.Debug("Registry closed")
}

// ============================================================================
// 內部輔助
// ============================================================================

// spawn 在 registry 的 context 下啟動背景工作；已關閉時不啟動
func (r *Registry) spawn(fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// persistLocked 寫入 node 集合與選取狀態，失敗只記錄不中斷
func (r *Registry) persistLocked() {
	data, err := json.Marshal(r.nodes)
	if err != nil {
		r.logger.Error("Failed to marshal nodes", "error", err)
		return
	}
	if err := r.store.Put(NodesKey, data); err != nil {
		r.logger.Error("Failed to persist nodes", "error", err)
	}

	if r.focused == "" {
		err = r.store.Delete(SelectedKey)
	} else {
		err = r.store.Put(SelectedKey, []byte(r.focused))
	}
	if err != nil {
		r.logger.Error("Failed to persist focused node", "error", err)
	}
}

func (r *Registry) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) recordCounts() {
	if r.metrics == nil {
		return
	}
	nodes := r.Nodes()
	online := 0
	for _, n := range nodes {
		if n.IsOnline {
			online++
		}
	}
	r.metrics.SetNodeCounts(len(nodes), online)
}

func (r *Registry) indexByID(id string) int {
	for i, n := range r.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) indexByURL(url string) int {
	for i, n := range r.nodes {
		if n.URL == url {
			return i
		}
	}
	return -1
}

// ============================================================================
// URL 正規化
// ============================================================================

// Normalize 去除空白、無 scheme 時補上 http://、移除一個結尾斜線
// 空白輸入回傳空字串
func Normalize(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return strings.TrimSuffix(url, "/")
}

// SplitURLs 解析逗號分隔的 URL 清單，忽略空項目
func SplitURLs(list string) []string {
	var urls []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}
