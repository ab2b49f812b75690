package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/document"
	"github.com/ChuLiYu/fogdeck/internal/fogclient"
	"github.com/ChuLiYu/fogdeck/internal/server"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

func buildJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and delete jobs across nodes",
	}

	cmd.AddCommand(buildJobsListCommand())
	cmd.AddCommand(buildJobsWatchCommand())
	cmd.AddCommand(buildJobsGetCommand())
	cmd.AddCommand(buildJobsDeleteCommand())

	return cmd
}

func buildJobsListCommand() *cobra.Command {
	var status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs from all online nodes (or the focused node)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := types.JobStatus(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q (queued|processing|completed|failed)", status)
			}

			return withController(func(ctrl *controller.Controller) error {
				if err := refreshView(cmd.Context(), ctrl); err != nil {
					return err
				}
				jobs := ctrl.Aggregator().Jobs()
				if filter != "" {
					jobs = server.FilterByStatus(jobs, filter)
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), jobs)
				}
				return renderJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show jobs in this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func buildJobsWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll nodes and print the job view whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withController(func(ctrl *controller.Controller) error {
				views, unsubscribe := ctrl.Aggregator().Subscribe()
				defer unsubscribe()
				ctrl.Start(ctx)

				out := cmd.OutOrStdout()
				var last uint64
				for {
					select {
					case <-ctx.Done():
						return nil
					case view, ok := <-views:
						if !ok {
							return nil
						}
						if view.Seq == last {
							continue
						}
						last = view.Seq
						fmt.Fprintf(out, "\n[%s] %d job(s)\n", view.UpdatedAt.Local().Format(time.TimeOnly), len(view.Jobs))
						if err := renderJobs(out, view.Jobs); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

func buildJobsGetCommand() *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				if err := refreshView(cmd.Context(), ctrl); err != nil {
					return err
				}
				job, err := ctrl.FindJob(cmd.Context(), args[0], node)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "node URL the job lives on")
	return cmd
}

func buildJobsDeleteCommand() *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job on the node that owns it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				if err := refreshView(cmd.Context(), ctrl); err != nil {
					return err
				}
				job, err := ctrl.FindJob(cmd.Context(), args[0], node)
				if err != nil {
					return err
				}

				deleted, err := ctrl.DeleteJob(cmd.Context(), job)
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s has no known origin node; nothing deleted\n", job.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s on %s\n", job.ID, job.NodeURL)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "node URL the job lives on")
	return cmd
}

// ============================================================================
// Upload / Download
// ============================================================================

func buildUploadCommand() *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document (.txt .pdf .epub .md) for synthesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, data, err := document.ReadFile(args[0])
			if err != nil {
				return err
			}

			return withController(func(ctrl *controller.Controller) error {
				job, err := ctrl.Upload(cmd.Context(), node, info.Name, data)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Uploaded %s (%d bytes", info.Name, info.Size)
				if info.Pages > 0 {
					fmt.Fprintf(out, ", %d pages", info.Pages)
				}
				fmt.Fprintf(out, ") to %s\n", job.NodeURL)
				fmt.Fprintf(out, "Job %s is %s\n", job.ID, job.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "target node URL (default: first online node)")
	return cmd
}

func buildDownloadCommand() *cobra.Command {
	var node, out string

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download the audio of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				if err := refreshView(cmd.Context(), ctrl); err != nil {
					return err
				}
				job, err := ctrl.FindJob(cmd.Context(), args[0], node)
				if err != nil {
					return err
				}
				if !job.Playable() {
					return fmt.Errorf("%w: %s is %s", controller.ErrNotPlayable, job.ID, job.Status)
				}

				path := out
				if path == "" {
					path = fogclient.DownloadName(job)
				}
				n, err := downloadTo(cmd, ctrl, job, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", path, n)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "node URL the job lives on")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: <document>.wav)")
	return cmd
}

// downloadTo 寫入檔案；失敗時移除不完整的檔案
func downloadTo(cmd *cobra.Command, ctrl *controller.Controller, job types.Job, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	n, err := ctrl.DownloadAudio(cmd.Context(), job, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

// ============================================================================
// 輸出
// ============================================================================

// renderJobs 以表格輸出任務
func renderJobs(w io.Writer, jobs []types.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "File", "Status", "Progress", "Created", "Node")
	for _, j := range jobs {
		created := "-"
		if !j.CreatedAt.IsZero() {
			created = j.CreatedAt.Local().Format(time.DateTime)
		}
		if err := table.Append(j.ID, j.Filename, statusLabel(j), fmt.Sprintf("%.0f%%", j.Progress), created, j.NodeURL); err != nil {
			return err
		}
	}
	return table.Render()
}

// statusLabel 失敗任務附上訊息
func statusLabel(j types.Job) string {
	if j.Status == types.StatusFailed && j.Message != "" {
		msg := j.Message
		if len(msg) > 40 {
			msg = msg[:40] + "..."
		}
		return fmt.Sprintf("%s: %s", j.Status, strings.TrimSpace(msg))
	}
	return string(j.Status)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
