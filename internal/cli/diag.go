package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/doctor"
	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/tunnel"
	"github.com/treykane/tunnel-cli/internal/util"
)

func newEventsCmd() *cobra.Command {
	var q events.Query
	var since time.Duration
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show forwarder lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evs, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if evs == nil {
					evs = []events.Event{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(evs)
			}
			if len(evs) == 0 {
				fmt.Fprintln(out, "no events")
				return nil
			}
			table := uitable.New()
			table.MaxColWidth = 80
			table.AddRow("WHEN", "TUNNEL", "SUBDOMAIN", "EVENT", "PORT", "MESSAGE")
			for _, e := range evs {
				port := "-"
				if e.LocalPort > 0 {
					port = fmt.Sprintf("%d", e.LocalPort)
				}
				table.AddRow(humanize.Time(e.Timestamp), util.ShortID(e.TunnelID), util.EmptyDash(e.Subdomain), e.EventType, port, util.EmptyDash(e.Message))
			}
			fmt.Fprintln(out, table)
			return nil
		},
	}
	cmd.Flags().StringVar(&q.TunnelID, "tunnel", "", "filter by tunnel id or id prefix")
	cmd.Flags().StringVar(&q.Subdomain, "subdomain", "", "filter by subdomain")
	cmd.Flags().StringSliceVar(&q.Types, "type", nil, "filter by event type (repeat or comma-separate)")
	cmd.Flags().IntVar(&q.LocalPort, "port", 0, "filter by local port")
	cmd.Flags().BoolVar(&q.ProblemsOnly, "problems", false, "only failed starts, forced kills, closed ports and install failures")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum events to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(opts *options) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose local setup, credentials and forwarder state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			in := doctor.Input{APIURL: s.cfg.APIURL}
			if inst, err := s.installer(); err == nil {
				in.BinaryPath = inst.BinaryPath()
			}
			if s.loggedIn() {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				in.Tunnels, in.TunnelsErr = s.client.ListTunnels(ctx)
				cancel()
			}
			report, err := doctor.Run(in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "[%s] %s %s: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Fprintf(out, "    -> %s\n", issue.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove forwarder configs and runtime entries left by a crashed session",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := appconfig.ConfigsDir()
			if err != nil {
				return err
			}
			runtimePath, err := appconfig.RuntimeFilePath()
			if err != nil {
				return err
			}
			orphans, err := tunnel.OrphanConfigs(configs, runtimePath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, path := range orphans {
				if dryRun {
					fmt.Fprintf(out, "would remove %s\n", path)
					continue
				}
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
				fmt.Fprintf(out, "removed %s\n", path)
			}

			rts, err := tunnel.ReadRuntime(runtimePath)
			if err != nil {
				return err
			}
			var live []model.ForwarderRuntime
			for _, rt := range rts {
				if rt.Status == model.StatusConnected && tunnel.ProcessAlive(rt.PID) {
					live = append(live, rt)
				}
			}
			stale := len(rts) - len(live)
			if stale > 0 && !dryRun {
				if err := tunnel.WriteRuntime(runtimePath, live); err != nil {
					return err
				}
			}
			if len(orphans) == 0 && stale == 0 {
				fmt.Fprintln(out, "nothing to prune")
			} else if stale > 0 {
				fmt.Fprintf(out, "%d stale runtime entries\n", stale)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}
