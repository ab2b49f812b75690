// ============================================================================
// Job Aggregator - 多 node 任務聚合與輪詢
// ============================================================================
//
// Package: internal/aggregator
// 功能: 週期性地從 registry 的在線 node 抓取任務，合併成單一時間排序的視圖
//
// 核心循環:
//   pollLoop - 啟動時立即執行一次，之後每 PollInterval 執行一次，
//              registry 發出變更通知時也立即執行
//
// 週期順序:
//   - 每個週期在自己的 goroutine 中執行並取得遞增序號
//   - 只有序號比目前已套用者新的結果才會套用（較舊的結果直接丟棄）
//   - panic 或被取消的週期只記錄，保留先前的視圖
//
// 刪除覆蓋層:
//   - Forget() 立即隱藏任務（以 node URL + ID 識別）
//   - 之後的週期若確認該任務已不存在於其 node，就移除隱藏記錄
//
// 關閉:
//   - Stop() 取消循環與所有進行中的週期並等待結束
//   - 之後不再更新狀態也不再通知，訂閱通道被關閉
//
// ============================================================================

package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// DefaultPollInterval 預設輪詢間隔
const DefaultPollInterval = 2 * time.Second

// maxInFlight 同時進行的輪詢週期上限；超過時跳過定時觸發
const maxInFlight = 4

// 丟棄週期的原因（metrics 標籤）
const (
	skipStale     = "stale"
	skipCancelled = "cancelled"
	skipPanic     = "panic"
)

var (
	ErrStopped = errors.New("aggregator is stopped")
	ErrStale   = errors.New("cycle result superseded by a newer cycle")
)

// NodeSource registry 的唯讀視圖（由 registry.Registry 實作）
type NodeSource interface {
	Nodes() []types.FogNode
	FocusedNode() string
	Subscribe() (<-chan struct{}, func())
}

// Recorder 輪詢週期指標（由 metrics.Collector 實作）
type Recorder interface {
	ObserveCycle(mode string, jobs int, duration time.Duration)
	RecordSkippedCycle(reason string)
}

// Config 聚合器配置
type Config struct {
	PollInterval time.Duration // 0 表示 DefaultPollInterval
	Dedup        DedupMode     // 空字串表示 DedupByID
}

// Options 建立 Aggregator 的參數
type Options struct {
	Source  NodeSource
	Fetcher Fetcher
	Config  Config
	Logger  *slog.Logger // nil 時使用 slog.Default()
	Metrics Recorder     // 可選
}

// Aggregator 任務聚合器
type Aggregator struct {
	mu      sync.Mutex
	raw     []types.Job               // 最近一次套用的週期結果（未套用覆蓋層）
	hidden  map[types.JobKey]struct{} // 刪除覆蓋層
	view    types.JobView             // 目前發布的視圖
	applied uint64                    // 已套用的最大序號
	subs    map[int]chan types.JobView
	nextSub int
	started bool
	stopped bool

	seq      atomic.Uint64 // 已發出的最大序號
	inFlight atomic.Int32

	source  NodeSource
	fetcher Fetcher
	config  Config
	logger  *slog.Logger
	metrics Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // pollLoop 與所有週期
}

// New 建立 Aggregator；需呼叫 Start 才會開始輪詢
func New(opts Options) *Aggregator {
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = DefaultPollInterval
	}
	if opts.Config.Dedup == "" {
		opts.Config.Dedup = DedupByID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		hidden:  make(map[types.JobKey]struct{}),
		view:    types.JobView{Jobs: []types.Job{}},
		subs:    make(map[int]chan types.JobView),
		source:  opts.Source,
		fetcher: opts.Fetcher,
		config:  opts.Config,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動輪詢循環；ctx 結束等同於取消所有週期
// 重複呼叫或已停止時不做任何事
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.wg.Add(1)
	a.mu.Unlock()

	changes, unsubscribe := a.source.Subscribe()
	stop := context.AfterFunc(ctx, a.cancel)

	go func() {
		defer a.wg.Done()
		defer stop()
		defer unsubscribe()
		a.pollLoop(changes)
	}()

	a.logger.Info("Aggregator started",
		"interval", a.config.PollInterval,
		"dedup", a.config.Dedup)
}

// pollLoop 立即執行一次，之後依 ticker 與 registry 通知觸發
func (a *Aggregator) pollLoop(changes <-chan struct{}) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	a.trigger()
	for {
		select {
		case <-a.ctx.Done():
			a.logger.Debug("Poll loop stopped")
			return

		case <-ticker.C:
			a.trigger()

		case _, ok := <-changes:
			if !ok {
				// registry 已關閉，只剩定時輪詢
				changes = nil
				continue
			}
			a.trigger()
		}
	}
}

// trigger 在背景啟動一個週期
func (a *Aggregator) trigger() {
	if a.inFlight.Load() >= maxInFlight {
		a.logger.Debug("Skipping poll, too many cycles in flight")
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	seq := a.seq.Add(1)
	a.inFlight.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inFlight.Add(-1)
		if err := a.cycle(a.ctx, seq); err != nil {
			a.logger.Debug("Poll cycle skipped", "seq", seq, "error", err)
		}
	}()
}

// Stop 取消循環與進行中的週期並等待結束；之後不再發布任何更新
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()

	a.mu.Lock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	a.mu.Unlock()

	a.logger.Info("Aggregator stopped")
}

// Refresh 同步執行並套用一次週期，回傳套用後的視圖
func (a *Aggregator) Refresh(ctx context.Context) (types.JobView, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return types.JobView{}, ErrStopped
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	if err := a.cycle(ctx, a.seq.Add(1)); err != nil {
		return a.View(), err
	}
	return a.View(), nil
}

// ============================================================================
// 週期
// ============================================================================

// cycle 抓取、合併並套用；panic 會被攔截並視為跳過
func (a *Aggregator) cycle(ctx context.Context, seq uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Poll cycle panicked", "seq", seq, "panic", r)
			a.recordSkip(skipPanic)
			err = fmt.Errorf("%w: cycle %d: %v", ErrCyclePanic, seq, r)
		}
	}()

	start := time.Now()
	nodes := a.source.Nodes()
	focused := a.source.FocusedNode()

	res, err := collect(ctx, nodes, focused, a.fetcher, a.config.Dedup)
	if err != nil {
		if errors.Is(err, ErrCyclePanic) {
			a.logger.Error("Poll cycle panicked", "seq", seq, "error", err)
			a.recordSkip(skipPanic)
		} else {
			a.recordSkip(skipCancelled)
		}
		return err
	}
	return a.apply(seq, res, time.Since(start))
}

// apply 套用結果（序號必須比已套用者新）並通知訂閱者
func (a *Aggregator) apply(seq uint64, res cycleResult, elapsed time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrStopped
	}
	if seq <= a.applied {
		a.recordSkip(skipStale)
		return ErrStale
	}

	a.applied = seq
	a.raw = res.jobs

	// 覆蓋層：週期確認不存在的任務，或來源 node 已移除，不再需要隱藏
	present := make(map[types.JobKey]bool, len(res.jobs))
	for _, job := range res.jobs {
		present[job.Key()] = true
	}
	for key := range a.hidden {
		removed := res.known != nil && !res.known[key.NodeURL]
		if removed || (res.queried[key.NodeURL] && !present[key]) {
			delete(a.hidden, key)
		}
	}

	a.publishLocked(true)

	if a.metrics != nil {
		a.metrics.ObserveCycle(res.mode, len(a.view.Jobs), elapsed)
	}
	return nil
}

// publishLocked 依 raw 與覆蓋層重建視圖並通知訂閱者
func (a *Aggregator) publishLocked(loaded bool) {
	jobs := make([]types.Job, 0, len(a.raw))
	for _, job := range a.raw {
		if _, hide := a.hidden[job.Key()]; !hide {
			jobs = append(jobs, job)
		}
	}

	a.view = types.JobView{
		Jobs:      jobs,
		Loaded:    a.view.Loaded || loaded,
		Seq:       a.applied,
		UpdatedAt: time.Now(),
	}

	for _, ch := range a.subs {
		// 只保留最新的視圖
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- copyView(a.view):
		default:
		}
	}
}

func (a *Aggregator) recordSkip(reason string) {
	if a.metrics != nil {
		a.metrics.RecordSkippedCycle(reason)
	}
}

// ============================================================================
// 刪除覆蓋層
// ============================================================================

// Forget 立即從視圖隱藏任務，直到之後的週期確認它已不存在
func (a *Aggregator) Forget(job types.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}
	a.hidden[job.Key()] = struct{}{}
	a.publishLocked(false)
}

// Hidden 回傳目前被隱藏的任務數
func (a *Aggregator) Hidden() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hidden)
}

// ============================================================================
// 讀取
// ============================================================================

// View 目前的視圖（副本）
func (a *Aggregator) View() types.JobView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyView(a.view)
}

// Jobs 目前的任務清單（副本）
func (a *Aggregator) Jobs() []types.Job {
	return a.View().Jobs
}

// Loaded 是否已完成過至少一次週期
func (a *Aggregator) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view.Loaded
}

// Find 在目前視圖中依 ID 查詢；nodeURL 非空時同時比對來源 node
func (a *Aggregator) Find(id, nodeURL string) (types.Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, job := range a.view.Jobs {
		if job.ID == id && (nodeURL == "" || job.NodeURL == nodeURL) {
			return job, true
		}
	}
	return types.Job{}, false
}

// Subscribe 訂閱視圖更新；通道只保留最新一筆，Stop() 後關閉
func (a *Aggregator) Subscribe() (<-chan types.JobView, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan types.JobView, 1)
	if a.stopped {
		close(ch)
		return ch, func() {}
	}

	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(ch)
			}
		})
	}
}

func copyView(v types.JobView) types.JobView {
	v.Jobs = append([]types.Job{}, v.Jobs...)
	return v
}
