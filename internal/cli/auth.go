package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/tunnel-cli/internal/authserver"
	"github.com/treykane/tunnel-cli/internal/credentials"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/security"
)

const cliKeyName = "CLI Key"

func newLoginCmd(opts *options) *cobra.Command {
	var key, username string
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with an API key, a username or the browser",
		Long: "Without flags, login opens the web portal and waits for it to hand back an API key.\n" +
			"Use --key to paste a key (tk_...) or --username to sign in with a password.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case key != "":
			case username != "":
				key, err = passwordLogin(ctx, s, username, cmd.InOrStdin(), out)
			default:
				key, err = browserLogin(ctx, s, !noBrowser, out)
			}
			if err != nil {
				return err
			}

			vctx, cancel := timeoutCtx(ctx)
			defer cancel()
			creds, profile, err := verifyKey(vctx, s.client, s.cfg.APIURL, key)
			if err != nil {
				return fmt.Errorf("login failed: %s", security.UserMessage(err, true))
			}
			if err := credentials.Save(creds); err != nil {
				return err
			}
			fmt.Fprintf(out, "logged in as %s (%s)\n", profile.Username, s.cfg.APIURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "API key (tk_...)")
	cmd.Flags().StringVar(&username, "username", "", "sign in with username and password")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the portal URL instead of opening a browser")
	return cmd
}

func passwordLogin(ctx context.Context, s *stack, username string, in io.Reader, out io.Writer) (string, error) {
	password, err := readPassword(in, out)
	if err != nil {
		return "", err
	}
	lctx, cancel := timeoutCtx(ctx)
	defer cancel()
	tokens, err := s.client.Login(lctx, username, password)
	if err != nil {
		return "", fmt.Errorf("login failed: %s", security.UserMessage(err, true))
	}
	return s.client.CreateAPIKey(lctx, tokens.AccessToken, cliKeyName)
}

func readPassword(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func browserLogin(ctx context.Context, s *stack, open bool, out io.Writer) (string, error) {
	srv := authserver.New(s.cfg.Auth.CallbackPort)
	if err := srv.Start(); err != nil {
		return "", err
	}
	defer srv.Close()

	authURL := srv.AuthURL(s.cfg.PortalURL)
	if open {
		fmt.Fprintln(out, "Opening the portal in your browser...")
		if err := authserver.OpenBrowser(authURL, out); err != nil {
			fmt.Fprintf(out, "Could not open a browser (%v). Visit:\n  %s\n", err, authURL)
		}
	} else {
		fmt.Fprintf(out, "Visit this URL to log in:\n  %s\n", authURL)
	}
	fmt.Fprintln(out, "Waiting for authentication...")
	return srv.WaitForKey(ctx, time.Duration(s.cfg.Auth.WaitSeconds)*time.Second)
}

func newLogoutCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(opts.apiURL)
			if err != nil {
				return err
			}
			urls := []string{s.cfg.APIURL}
			if all {
				saved, err := credentials.List()
				if err != nil {
					return err
				}
				urls = urls[:0]
				for _, c := range saved {
					urls = append(urls, c.APIURL)
				}
			}
			for _, u := range urls {
				if err := credentials.Clear(u); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged out of %s\n", u)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "forget the keys for every API URL")
	return cmd
}

type whoami struct {
	Username string      `json:"username"`
	Email    string      `json:"email,omitempty"`
	Role     string      `json:"role,omitempty"`
	APIURL   string      `json:"api_url"`
	APIKey   string      `json:"api_key"`
	Quota    model.Quota `json:"quota"`
}

func newWhoamiCmd(opts *options) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account and its quota",
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
			profile, err := s.client.Profile(ctx)
			if err != nil {
				return fmt.Errorf("%s", security.UserMessage(err, true))
			}
			quota, _ := s.client.Quota(ctx)

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(whoami{
					Username: profile.Username, Email: profile.Email, Role: profile.Role,
					APIURL: s.cfg.APIURL, APIKey: security.MaskKey(s.creds.APIKey), Quota: quota,
				})
			}
			fmt.Fprintf(out, "user:    %s", profile.Username)
			if profile.Email != "" {
				fmt.Fprintf(out, " <%s>", profile.Email)
			}
			fmt.Fprintln(out)
			if profile.Role != "" {
				fmt.Fprintf(out, "role:    %s\n", profile.Role)
			}
			fmt.Fprintf(out, "api:     %s\n", s.cfg.APIURL)
			fmt.Fprintf(out, "key:     %s\n", security.MaskKey(s.creds.APIKey))
			fmt.Fprintf(out, "tunnels: %d/%s\n", quota.UsedTunnels, limit(quota.MaxTunnels))
			fmt.Fprintf(out, "custom:  %d/%s\n", quota.UsedCustomDomains, limit(quota.MaxCustomDomains))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func limit(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
