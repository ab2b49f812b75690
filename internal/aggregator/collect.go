package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// ErrCyclePanic 抓取過程中發生 panic
var ErrCyclePanic = errors.New("poll cycle panicked")

// DedupMode 跨 node 任務 ID 衝突的處理方式
type DedupMode string

const (
	// DedupByID 以任務 ID 去重，依 registry 順序後出現者覆蓋先出現者
	DedupByID DedupMode = "id"
	// DedupByNode 以 (node URL, ID) 去重，不同 node 的同 ID 任務都保留
	DedupByNode DedupMode = "node"
)

// ParseDedupMode 解析設定值，空字串為 DedupByID
func ParseDedupMode(s string) (DedupMode, error) {
	switch DedupMode(s) {
	case "", DedupByID:
		return DedupByID, nil
	case DedupByNode:
		return DedupByNode, nil
	}
	return "", fmt.Errorf("unknown dedup mode %q (want %q or %q)", s, DedupByID, DedupByNode)
}

// 週期模式（metrics 標籤）
const (
	ModeFocused   = "focused"
	ModeBroadcast = "broadcast"
)

// Fetcher 取得單一 node 的任務清單；失敗時回傳空清單
type Fetcher interface {
	FetchJobs(ctx context.Context, nodeURL string) []types.Job
}

// Lister 任務清單 API（由 fogclient.Client 實作）
type Lister interface {
	ListJobs(ctx context.Context, nodeURL string) ([]types.Job, error)
}

// FetchRecorder 抓取失敗指標
type FetchRecorder interface {
	RecordFetchFailure()
}

// NodeFetcher 將 Lister 的錯誤收斂成空清單
type NodeFetcher struct {
	client  Lister
	logger  *slog.Logger
	metrics FetchRecorder
}

// NewNodeFetcher 建立 NodeFetcher；logger 為 nil 時使用 slog.Default()，metrics 可為 nil
func NewNodeFetcher(client Lister, logger *slog.Logger, metrics FetchRecorder) *NodeFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFetcher{client: client, logger: logger, metrics: metrics}
}

// FetchJobs 網路錯誤、非 2xx 或格式錯誤都回傳空清單
func (f *NodeFetcher) FetchJobs(ctx context.Context, nodeURL string) []types.Job {
	jobs, err := f.client.ListJobs(ctx, nodeURL)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Debug("Failed to fetch jobs", "node", nodeURL, "error", err)
			if f.metrics != nil {
				f.metrics.RecordFetchFailure()
			}
		}
		return nil
	}
	return jobs
}

// cycleResult 單一週期的結果
type cycleResult struct {
	jobs    []types.Job
	mode    string
	queried map[string]bool // 本週期實際查詢的 node URL
	known   map[string]bool // 本週期讀到的 registry 快照中的 node URL
}

func newCycleResult(mode string, nodes []types.FogNode) cycleResult {
	res := cycleResult{mode: mode, queried: make(map[string]bool), known: make(map[string]bool, len(nodes))}
	for _, n := range nodes {
		res.known[n.URL] = true
	}
	return res
}

// Collect 執行一次聚合（不含輪詢與狀態）
//
// focused 非空時只查詢該 node；它離線或不在 nodes 中時回傳空清單，不退回廣播。
// 否則並發查詢所有在線 node，依 registry 順序串接、去重，再依建立時間排序。
// 只有 ctx 被取消或抓取發生 panic 時回傳錯誤。
func Collect(ctx context.Context, nodes []types.FogNode, focused string, fetcher Fetcher, dedup DedupMode) ([]types.Job, error) {
	res, err := collect(ctx, nodes, focused, fetcher, dedup)
	if err != nil {
		return nil, err
	}
	return res.jobs, nil
}

func collect(ctx context.Context, nodes []types.FogNode, focused string, fetcher Fetcher, dedup DedupMode) (cycleResult, error) {
	if focused != "" {
		return collectFocused(ctx, nodes, focused, fetcher)
	}

	res := newCycleResult(ModeBroadcast, nodes)
	var online []types.FogNode
	for _, n := range nodes {
		if n.IsOnline {
			online = append(online, n)
			res.queried[n.URL] = true
		}
	}
	if len(online) == 0 {
		return res, ctx.Err()
	}

	perNode := make([][]types.Job, len(online))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range online {
		g.Go(func() (err error) {
			// errgroup 不會傳遞 goroutine 中的 panic
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: fetch %s: %v", ErrCyclePanic, node.URL, r)
				}
			}()
			perNode[i] = tag(fetcher.FetchJobs(gctx, node.URL), node.URL)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var all []types.Job
	for _, jobs := range perNode {
		all = append(all, jobs...)
	}
	res.jobs = sortByCreated(deduplicate(all, dedup))
	return res, nil
}

func collectFocused(ctx context.Context, nodes []types.FogNode, focused string, fetcher Fetcher) (cycleResult, error) {
	res := newCycleResult(ModeFocused, nodes)

	i := slices.IndexFunc(nodes, func(n types.FogNode) bool { return n.URL == focused })
	if i < 0 || !nodes[i].IsOnline {
		return res, ctx.Err()
	}

	res.queried[focused] = true
	jobs := tag(fetcher.FetchJobs(ctx, focused), focused)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.jobs = sortByCreated(jobs)
	return res, nil
}

// tag 附加來源 node
func tag(jobs []types.Job, nodeURL string) []types.Job {
	out := make([]types.Job, len(jobs))
	for i, job := range jobs {
		job.NodeURL = nodeURL
		out[i] = job
	}
	return out
}

// deduplicate 保留第一次出現的位置，採用最後一次出現的內容
func deduplicate(jobs []types.Job, mode DedupMode) []types.Job {
	key := func(j types.Job) types.JobKey {
		if mode == DedupByNode {
			return j.Key()
		}
		return types.JobKey{ID: j.ID}
	}

	index := make(map[types.JobKey]int, len(jobs))
	out := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		k := key(job)
		if i, ok := index[k]; ok {
			out[i] = job
			continue
		}
		index[k] = len(out)
		out = append(out, job)
	}
	return out
}

// sortByCreated 依建立時間由新到舊穩定排序，沒有時間的排在最後
func sortByCreated(jobs []types.Job) []types.Job {
	slices.SortStableFunc(jobs, func(a, b types.Job) int {
		switch {
		case a.CreatedAt.IsZero() && b.CreatedAt.IsZero():
			return 0
		case a.CreatedAt.IsZero():
			return 1
		case b.CreatedAt.IsZero():
			return -1
		}
		return b.CreatedAt.Compare(a.CreatedAt.Time)
	})
	return jobs
}
