package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/security"
	"github.com/treykane/tunnel-cli/internal/tunnel"
	"github.com/treykane/tunnel-cli/internal/util"
)

func newListCmd(opts *options) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tunnels on the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			if err := s.requireLogin(); err != nil {
				return err
			}
			ctx, cancel := timeoutCtx(cmd.Context())
			defer cancel()
			tunnels, err := s.client.ListTunnels(ctx)
			if err != nil {
				return fmt.Errorf("%s", security.UserMessage(err, true))
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tunnels)
			}
			writeTunnelTable(out, tunnels, localStatuses())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// localStatuses reads the forwarder states recorded by a running dashboard
// or `tunnel up`.
func localStatuses() map[string]model.ConnectionStatus {
	path, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil
	}
	rts, err := tunnel.ReadRuntime(path)
	if err != nil {
		return nil
	}
	out := make(map[string]model.ConnectionStatus, len(rts))
	for _, rt := range rts {
		out[rt.TunnelID] = rt.Status
	}
	return out
}

func writeTunnelTable(w io.Writer, tunnels []model.Tunnel, status map[string]model.ConnectionStatus) {
	if len(tunnels) == 0 {
		fmt.Fprintln(w, "no tunnels yet: create one with `tunnel create --port <port>`")
		return
	}
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("ID", "SUBDOMAIN", "URL", "LOCAL", "TYPE", "FORWARDER")
	for _, t := range tunnels {
		fwd := "-"
		if st, ok := status[t.ID]; ok {
			fwd = string(st)
		}
		table.AddRow(util.ShortID(t.ID), t.Subdomain, util.EmptyDash(t.PublicURL()), portLabel(t), customMark(t), fwd)
	}
	fmt.Fprintln(w, table)
}

func newCreateCmd(opts *options) *cobra.Command {
	var port int
	var subdomain string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tunnel for a local port",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s -> localhost:%d\n", util.ShortID(t.ID), util.DefaultString(t.PublicURL(), t.Subdomain), port)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "local port to expose")
	cmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "custom subdomain (random when empty)")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func createTunnel(cmd *cobra.Command, s *stack, port int, subdomain string) (model.Tunnel, error) {
	if err := util.ValidatePort(port); err != nil {
		return model.Tunnel{}, err
	}
	if subdomain != "" {
		if err := util.ValidateSubdomain(subdomain, s.creds.IsAdmin()); err != nil {
			return model.Tunnel{}, err
		}
	}
	ctx, cancel := timeoutCtx(cmd.Context())
	defer cancel()
	t, err := s.client.CreateTunnel(ctx, port, subdomain)
	if err != nil {
		return model.Tunnel{}, fmt.Errorf("create tunnel: %s", security.UserMessage(err, true))
	}
	return t, nil
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|subdomain>",
		Short: "Delete a tunnel",
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
			defer cancel()
			t, err := s.findTunnel(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := s.client.DeleteTunnel(ctx, t.ID); err != nil {
				return fmt.Errorf("delete tunnel: %s", security.UserMessage(err, true))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", util.ShortID(t.ID), t.Subdomain)
			return nil
		},
	}
}

func newSetPortCmd(opts *options) *cobra.Command {
	var clearPort bool
	cmd := &cobra.Command{
		Use:   "set-port <id|subdomain> [port]",
		Short: "Change or clear the local port a tunnel forwards to",
		Long:  "Tunnels with a local port are connected automatically while the port is listening.\nClearing the port makes the tunnel manual.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port *int
			switch {
			case clearPort && len(args) == 2:
				return fmt.Errorf("pass either a port or --clear, not both")
			case !clearPort && len(args) < 2:
				return fmt.Errorf("port is required unless --clear is set")
			case !clearPort:
				p, err := util.ParsePort(args[1])
				if err != nil {
					return err
				}
				port = &p
			}

			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			if err := s.requireLogin(); err != nil {
				return err
			}
			ctx, cancel := timeoutCtx(cmd.Context())
			defer cancel()
			t, err := s.findTunnel(ctx, args[0])
			if err != nil {
				return err
			}
			updated, err := s.client.UpdateLocalPort(ctx, t.ID, port)
			if err != nil {
				return fmt.Errorf("update port: %s", security.UserMessage(err, true))
			}
			if port == nil {
				s.client.ReportConnectionStatus(ctx, t.ID, model.StatusDisconnected)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s local port: %s\n", updated.Subdomain, portLabel(updated))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearPort, "clear", false, "clear the local port (manual tunnel)")
	return cmd
}
