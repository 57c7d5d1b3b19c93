// Package cli provides the command-line interface for tunnel-cli.
package cli

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-cli/internal/api"
	"github.com/treykane/tunnel-cli/internal/supervisor"
	"github.com/treykane/tunnel-cli/internal/ui"
)

type options struct {
	apiURL string
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tunnel",
		Short:         "Expose local ports through managed HTTP tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return cmd.Help()
			}
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			return ui.Run(ui.Deps{
				Config: s.cfg,
				Creds:  s.creds,
				Client: s.client,
				NewSupervisor: func(c *api.Client) (*supervisor.Supervisor, error) {
					return s.supervisor(c, nil)
				},
			})
		},
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "tunnel service API base URL (overrides config and TUNNEL_API_URL)")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newListCmd(opts),
		newCreateCmd(opts),
		newDeleteCmd(opts),
		newSetPortCmd(opts),
		newConnectCmd(opts),
		newQuickCmd(opts),
		newUpCmd(opts),
		newStatusCmd(),
		newInstallCmd(opts),
		newEventsCmd(),
		newDoctorCmd(opts),
		newPruneCmd(),
	)
	return root
}
