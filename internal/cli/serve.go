package cli

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/metrics"
	"github.com/ChuLiYu/fogdeck/internal/server"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API and keep polling nodes",
		Long: `Start the dashboard server:
  /api/*     JSON API over the registry and the merged job view
  /ws/jobs   WebSocket stream of every published job view
  /metrics   Prometheus metrics (also on metrics.port when enabled)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServer(cmd)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func runServer(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := openController(metrics.NewCollector())
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	ctrl.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(ctrl, server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "fogdeck dashboard listening on %s (%d nodes)\n", cfg.Server.Addr, len(ctrl.Registry().Nodes()))

	err = g.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	return err
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display node liveness, job counts and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				if err := refreshView(cmd.Context(), ctrl); err != nil {
					return err
				}
				showStatus(cmd.OutOrStdout(), ctrl.GetStatus())
				return nil
			})
		},
	}
}

func showStatus(w io.Writer, st controller.Status) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           fogdeck Status                                  ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ State Dir:       %s\n", cfg.State.Dir)
	fmt.Fprintf(w, "  ├─ Poll Interval:   %s\n", cfg.Aggregator.PollInterval)
	fmt.Fprintf(w, "  └─ Dedup Mode:      %s\n", cfg.Aggregator.Dedup)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🌫  Nodes:")
	fmt.Fprintf(w, "  ├─ Registered:      %d\n", st.Nodes)
	fmt.Fprintf(w, "  ├─ ✅ Online:        %d\n", st.Online)
	fmt.Fprintf(w, "  ├─ ❌ Offline:       %d\n", st.Nodes-st.Online)
	if st.Focused != "" {
		fmt.Fprintf(w, "  └─ Focused:         %s\n", st.Focused)
	} else {
		fmt.Fprintln(w, "  └─ Focused:         (all online nodes)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Jobs:")
	if !st.Loaded {
		fmt.Fprintln(w, "  └─ Not loaded yet")
	} else {
		fmt.Fprintf(w, "  ├─ Total:           %d\n", st.Jobs)
		statuses := []types.JobStatus{types.StatusQueued, types.StatusProcessing, types.StatusCompleted, types.StatusFailed}
		for i, s := range statuses {
			branch := "├─"
			if i == len(statuses)-1 {
				branch = "└─"
			}
			fmt.Fprintf(w, "  %s %-16s %d\n", branch, statusTitle(s)+":", st.ByStatus[s])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics (serve only)\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func statusTitle(s types.JobStatus) string {
	name := string(s)
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
