package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/frpclient"
	"github.com/treykane/tunnel-cli/internal/frpconfig"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/security"
	"github.com/treykane/tunnel-cli/internal/supervisor"
	"github.com/treykane/tunnel-cli/internal/tunnel"
	"github.com/treykane/tunnel-cli/internal/util"
)

func newConnectCmd(opts *options) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "connect <id|subdomain>",
		Short: "Run one tunnel in the foreground until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			if err := s.requireLogin(); err != nil {
				return err
			}
			ctx, cancel := timeoutCtx(cmd.Context())
			t, err := s.findTunnel(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			if port == 0 {
				port = t.Port()
			}
			if port == 0 {
				return fmt.Errorf("tunnel %s has no local port: pass --port", t.Subdomain)
			}
			return runForeground(cmd, s, t, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "local port (defaults to the tunnel's configured port)")
	return cmd
}

func newQuickCmd(opts *options) *cobra.Command {
	var subdomain string
	cmd := &cobra.Command{
		Use:   "quick <port>",
		Short: "Create a tunnel for a port and connect it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := util.ParsePort(args[0])
			if err != nil {
				return err
			}
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			if err := s.requireLogin(); err != nil {
				return err
			}
			t, err := createTunnel(cmd, s, port, subdomain)
			if err != nil {
				return err
			}
			return runForeground(cmd, s, t, port)
		},
	}
	cmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "custom subdomain (random when empty)")
	return cmd
}

// runForeground fetches the server-rendered config for t and runs frpc
// attached to the terminal. The service is told about connect and
// disconnect on a best-effort basis.
func runForeground(cmd *cobra.Command, s *stack, t model.Tunnel, port int) error {
	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cctx, cancel := timeoutCtx(ctx)
	cfg, err := s.client.GetConfig(cctx, t.ID, port)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch config: %s", security.UserMessage(err, true))
	}
	summary, err := frpconfig.Validate([]byte(cfg.Config))
	if err != nil {
		return err
	}

	inst, err := s.installer()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "checking forwarder binary...")
	binary, err := inst.EnsureInstalled(ctx)
	if err != nil {
		return fmt.Errorf("install forwarder: %w", err)
	}

	dir, err := appconfig.ConfigsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, t.ID+".connect.ini")
	if err := os.WriteFile(path, []byte(cfg.Config), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(path)

	cctx, cancel = timeoutCtx(ctx)
	if err := s.client.Connect(cctx, t.ID, port); err != nil {
		slog.Warn("connect notification failed", "tunnel_id", t.ID, "error", err)
	}
	cancel()
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.client.Disconnect(dctx, t.ID); err != nil {
			slog.Warn("disconnect notification failed", "tunnel_id", t.ID, "error", err)
		}
	}()

	url := util.DefaultString(cfg.Tunnel.PublicURL(), t.PublicURL())
	fmt.Fprintf(out, "%s -> localhost:%d via %s:%d (Ctrl+C to stop)\n", url, port, summary.ServerAddr, summary.ServerPort)
	err = frpclient.New().RunForeground(ctx, binary, path, out)
	fmt.Fprintln(out, "disconnected")
	return err
}

func newUpCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Keep every tunnel with a local port connected while the port listens",
		Long: "up runs the connection supervisor without the dashboard. Every sync interval it probes\n" +
			"each tunnel's local port, starts or stops its forwarder and reports the status.\n" +
			"All forwarders are stopped on exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			if err := s.requireLogin(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sup, err := s.supervisor(s.client, func(res supervisor.PassResult, err error) {
				printPass(out, res, err)
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				fmt.Fprintln(out, "stopping forwarders...")
				sup.Shutdown()
			}()

			fmt.Fprintf(out, "supervising tunnels every %ds (Ctrl+C to stop)\n", s.cfg.Supervisor.SyncSeconds)
			if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func printPass(w io.Writer, res supervisor.PassResult, err error) {
	stamp := time.Now().Format("15:04:05")
	if err != nil {
		slog.Warn("reconciliation pass failed", "error", security.DebugMessage(err))
		fmt.Fprintf(w, "%s pass failed: %s\n", stamp, security.UserMessage(err, true))
		return
	}
	for _, o := range res.Outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "%s %-20s :%d %s failed: %s\n", stamp, o.Subdomain, o.LocalPort, o.Action, security.UserMessage(o.Err, true))
		case o.Action != model.ActionNone && o.Action != model.ActionReportPortDown:
			fmt.Fprintf(w, "%s %-20s :%d %s -> %s\n", stamp, o.Subdomain, o.LocalPort, o.Action, o.Status)
		}
	}
	for _, id := range res.Released {
		fmt.Fprintf(w, "%s %-20s released (no longer auto-managed)\n", stamp, util.ShortID(id))
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show forwarders started by the dashboard or `tunnel up`",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.RuntimeFilePath()
			if err != nil {
				return err
			}
			rts, err := tunnel.ReadRuntime(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if rts == nil {
					rts = []model.ForwarderRuntime{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rts)
			}
			if len(rts) == 0 {
				fmt.Fprintln(out, "no forwarders running")
				return nil
			}
			table := uitable.New()
			table.AddRow("ID", "SUBDOMAIN", "LOCAL", "PID", "STATUS", "STARTED")
			for _, rt := range rts {
				table.AddRow(util.ShortID(rt.TunnelID), rt.Subdomain, rt.LocalPort, rt.PID, rt.Status, humanize.Time(rt.StartedAt))
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newInstallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download the frpc forwarder if it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			inst, err := s.installer()
			if err != nil {
				return err
			}
			already := inst.Installed()
			path, err := inst.EnsureInstalled(cmd.Context())
			if err != nil {
				return err
			}
			if already {
				fmt.Fprintf(cmd.OutOrStdout(), "frpc already installed at %s\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed frpc %s at %s\n", inst.Version, path)
			return nil
		},
	}
}
