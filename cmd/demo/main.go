package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/fogdeck/internal/aggregator"
	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/fognodetest"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

// demo 在本機啟動兩個模擬 fog node，上傳文件後觀察合併視圖：
//   1. 兩個 node 各收到一份文件
//   2. 任務逐步從 queued → processing → completed
//   3. node-b 下線，它的任務從視圖中消失
//   4. Ctrl+C 結束
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run 執行整個情境；回傳前 node 與 controller 都已關閉
func run(ctx context.Context, w io.Writer) error {
	nodeA := fognodetest.New()
	defer nodeA.Close()
	nodeB := fognodetest.New()
	defer nodeB.Close()

	ctrl, err := controller.NewController(controller.Config{
		DefaultNodes: []string{nodeA.URL, nodeB.URL},
		Aggregator:   aggregator.Config{PollInterval: 300 * time.Millisecond, Dedup: aggregator.DedupByNode},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	ctrl.Registry().Wait()
	fmt.Fprintf(w, "✓ Two fog nodes online: %s, %s\n", nodeA.URL, nodeB.URL)

	views, unsubscribe := ctrl.Aggregator().Subscribe()
	defer unsubscribe()
	ctrl.Start(ctx)

	for _, up := range []struct{ node, name, text string }{
		{nodeA.URL, "chapter-1.txt", "It was a dark and stormy night."},
		{nodeB.URL, "chapter-2.md", "# The storm passes"},
	} {
		job, err := ctrl.Upload(ctx, up.node, up.name, []byte(up.text))
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", up.name, err)
		}
		fmt.Fprintf(w, "✓ Uploaded %s → job %s on %s\n", up.name, job.ID, job.NodeURL)
	}

	go simulate(ctx, w, ctrl, nodeA, nodeB)

	var last string
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\n\nReceived shutdown signal, stopping gracefully...")
			return nil
		case view, ok := <-views:
			if !ok {
				return nil
			}
			line := summarize(view)
			if line != last {
				fmt.Fprintln(w, line)
				last = line
			}
		}
	}
}

// simulate 推進任務狀態，最後讓 node-b 下線
func simulate(ctx context.Context, w io.Writer, ctrl *controller.Controller, nodes ...*fognodetest.Node) {
	steps := []func(types.Job) types.Job{
		func(j types.Job) types.Job {
			j.Status, j.Progress, j.Message = types.StatusProcessing, 40, "Synthesizing"
			return j
		},
		func(j types.Job) types.Job {
			j.Status, j.Progress, j.Message = types.StatusCompleted, 100, "Done"
			j.OutputFiles = []string{"generated_audio/" + j.ID + ".wav"}
			return j
		},
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		switch {
		case i < len(steps):
			for _, n := range nodes {
				jobs := n.Jobs()
				for k := range jobs {
					jobs[k] = steps[i](jobs[k])
				}
				n.SetJobs(jobs...)
			}
		case i == len(steps):
			fmt.Fprintln(w, "⚠️  Taking node-b offline")
			nodes[1].SetHealthy(false)
			ctrl.Registry().RefreshAll(ctx)
		case i == len(steps)+2:
			fmt.Fprintln(w, "💡 Press Ctrl+C to exit")
		}
	}
}

func summarize(view types.JobView) string {
	if !view.Loaded {
		return "⏳ Loading jobs..."
	}
	line := fmt.Sprintf("📊 seq=%-3d %d job(s):", view.Seq, len(view.Jobs))
	for _, j := range view.Jobs {
		line += fmt.Sprintf("  [%s %s %.0f%%]", j.Filename, j.Status, j.Progress)
	}
	return line
}
