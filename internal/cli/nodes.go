package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/registry"
	"github.com/ChuLiYu/fogdeck/pkg/types"
)

func buildNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage the fog node registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered nodes and their liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				return renderNodes(cmd.OutOrStdout(), ctrl.Registry().Nodes(), ctrl.Registry().FocusedNode())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <url>...",
		Short: "Add nodes (duplicates are ignored)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				reg := ctrl.Registry()
				for _, raw := range args {
					if _, err := reg.Add(raw); err != nil {
						return fmt.Errorf("failed to add %q: %w", raw, err)
					}
				}
				// 等待新 node 的首次健康檢查
				reg.Wait()
				return renderNodes(cmd.OutOrStdout(), reg.Nodes(), reg.FocusedNode())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id|url>",
		Short: "Remove a node by ID or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				reg := ctrl.Registry()
				node, ok := reg.Node(args[0])
				if !ok {
					node, ok = reg.NodeByURL(args[0])
				}
				if !ok || !reg.Remove(node.ID) {
					return fmt.Errorf("%w: %s", controller.ErrUnknownNode, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", node.URL, node.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Health-check every node now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				reg := ctrl.Registry()
				reg.RefreshAll(cmd.Context())
				return renderNodes(cmd.OutOrStdout(), reg.Nodes(), reg.FocusedNode())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "focus [url]",
		Short: "Show jobs from one node only; no argument shows all nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctrl *controller.Controller) error {
				url := ""
				if len(args) == 1 {
					url = args[0]
				}
				ctrl.Registry().SetFocusedNode(url)

				if focused := ctrl.Registry().FocusedNode(); focused != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Focused on %s\n", focused)
					if _, ok := ctrl.Registry().NodeByURL(focused); !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Warning: node is not registered; the job view will be empty")
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Showing jobs from all online nodes")
				}
				return nil
			})
		},
	})

	return cmd
}

// renderNodes 以表格輸出 node 清單
func renderNodes(w io.Writer, nodes []types.FogNode, focused string) error {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "No nodes registered (add one with 'fogdeck nodes add <url>')")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "URL", "Status", "Last Ping", "Focus")
	for _, n := range nodes {
		status := "offline"
		if n.IsOnline {
			status = "online"
		}
		ping := "never"
		if n.LastPing != nil {
			ping = n.LastPingTime().Format(time.DateTime)
		}
		focus := ""
		if n.URL == registry.Normalize(focused) && focused != "" {
			focus = "*"
		}
		if err := table.Append(n.ID, n.URL, status, ping, focus); err != nil {
			return err
		}
	}
	return table.Render()
}
