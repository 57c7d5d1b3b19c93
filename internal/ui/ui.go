// Package ui is the interactive dashboard: login, tunnel table, create and
// edit forms. Reconciliation passes run as bubbletea commands on a timer.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnel-cli/internal/api"
	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/authserver"
	"github.com/treykane/tunnel-cli/internal/credentials"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/security"
	"github.com/treykane/tunnel-cli/internal/supervisor"
	"github.com/treykane/tunnel-cli/internal/util"
)

// Deps is everything the dashboard needs from the command layer.
type Deps struct {
	Config        appconfig.Config
	Creds         credentials.Credentials
	Client        *api.Client
	NewSupervisor func(*api.Client) (*supervisor.Supervisor, error)
}

type screen int

const (
	screenLogin screen = iota
	screenDashboard
	screenForm
	screenConfirmDelete
)

const requestTimeout = 30 * time.Second

type (
	tickMsg     struct{ gen int }
	statusMsg   string
	loggedInMsg struct {
		creds   credentials.Credentials
		profile model.Profile
		err     error
	}
	dashboardMsg struct {
		profile model.Profile
		quota   model.Quota
		err     error
	}
	refreshedMsg struct {
		tunnels []model.Tunnel
		pass    supervisor.PassResult
		err     error
	}
	mutationMsg struct {
		status string
		err    error
	}
)

type modelUI struct {
	deps    Deps
	client  *api.Client
	sup     *supervisor.Supervisor
	screen  screen
	profile model.Profile
	quota   model.Quota
	tunnels []model.Tunnel
	pass    supervisor.PassResult
	sel     int
	status  string
	busy    bool
	tickGen int
	width   int
	height  int

	keyInput textinput.Model
	spin     spinner.Model
	form     *tunnelForm
}

func initialModel(d Deps) modelUI {
	ki := textinput.New()
	ki.Placeholder = "tk_..."
	ki.EchoMode = textinput.EchoPassword
	ki.CharLimit = 128
	ki.Width = 48
	ki.Focus()

	m := modelUI{
		deps:     d,
		client:   d.Client,
		screen:   screenLogin,
		quota:    model.DefaultQuota(),
		keyInput: ki,
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		status:   "Paste an API key and press Enter, b to log in with the browser, o to open the portal.",
	}
	return m
}

func (m modelUI) Init() tea.Cmd {
	if m.deps.Creds.APIKey == "" {
		return textinput.Blink
	}
	return tea.Batch(m.spin.Tick, loginCmd(m.client, m.deps.Config.APIURL, m.deps.Creds.APIKey))
}

// tickCmd schedules the next pass. gen ties the tick to one login so a
// logout ends the chain.
func tickCmd(seconds, gen int) tea.Cmd {
	if seconds <= 0 {
		seconds = util.DefaultSyncSeconds
	}
	return tea.Tick(time.Duration(seconds)*time.Second, func(time.Time) tea.Msg { return tickMsg{gen: gen} })
}

// loginCmd verifies key against the service.
func loginCmd(client *api.Client, apiURL, key string) tea.Cmd {
	return func() tea.Msg {
		key = strings.TrimSpace(key)
		if err := credentials.ValidateAPIKey(key); err != nil {
			return loggedInMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		profile, err := client.WithAPIKey(key).Profile(ctx)
		if err != nil {
			return loggedInMsg{err: err}
		}
		return loggedInMsg{
			creds:   credentials.Credentials{APIURL: apiURL, APIKey: key, Username: profile.Username, Role: profile.Role},
			profile: profile,
		}
	}
}

// browserLoginCmd waits for the portal to post a key back, then verifies it.
func browserLoginCmd(cfg appconfig.Config, client *api.Client) tea.Cmd {
	return func() tea.Msg {
		srv := authserver.New(cfg.Auth.CallbackPort)
		if err := srv.Start(); err != nil {
			return loggedInMsg{err: err}
		}
		defer srv.Close()
		if err := authserver.OpenBrowser(srv.AuthURL(cfg.PortalURL), io.Discard); err != nil {
			return loggedInMsg{err: err}
		}
		key, err := srv.WaitForKey(context.Background(), time.Duration(cfg.Auth.WaitSeconds)*time.Second)
		if err != nil {
			return loggedInMsg{err: err}
		}
		return loginCmd(client, cfg.APIURL, key)()
	}
}

func openPortalCmd(portal string) tea.Cmd {
	return func() tea.Msg {
		if err := authserver.OpenBrowser(portal, io.Discard); err != nil {
			return statusMsg("Open " + portal + " in your browser")
		}
		return statusMsg("Opened " + portal)
	}
}

func dashboardCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		profile, err := client.Profile(ctx)
		if err != nil {
			return dashboardMsg{err: err}
		}
		quota, _ := client.Quota(ctx)
		return dashboardMsg{profile: profile, quota: quota}
	}
}

// refreshCmd fetches the tunnel list and runs one reconciliation pass over
// it. A pass already in flight is not an error.
func refreshCmd(client *api.Client, sup *supervisor.Supervisor) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		tunnels, err := client.ListTunnels(ctx)
		if err != nil {
			return refreshedMsg{err: err}
		}
		pass, err := sup.ReconcileTunnels(ctx, tunnels)
		if errors.Is(err, supervisor.ErrPassInFlight) || errors.Is(err, supervisor.ErrShutdown) {
			err = nil
		}
		return refreshedMsg{tunnels: tunnels, pass: pass, err: err}
	}
}

func createCmd(client *api.Client, port int, subdomain string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		t, err := client.CreateTunnel(ctx, port, subdomain)
		if err != nil {
			return mutationMsg{err: err}
		}
		return mutationMsg{status: fmt.Sprintf("Created %s -> localhost:%d", util.DefaultString(t.PublicURL(), t.Subdomain), port)}
	}
}

func updatePortCmd(client *api.Client, sup *supervisor.Supervisor, id string, port *int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		t, err := client.UpdateLocalPort(ctx, id, port)
		if err != nil {
			return mutationMsg{err: err}
		}
		if port == nil {
			sup.Detach(ctx, id)
			return mutationMsg{status: t.Subdomain + " is now manual"}
		}
		return mutationMsg{status: fmt.Sprintf("%s now forwards to localhost:%d", t.Subdomain, *port)}
	}
}

func deleteCmd(client *api.Client, sup *supervisor.Supervisor, t model.Tunnel) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		sup.Detach(ctx, t.ID)
		if _, err := client.DeleteTunnel(ctx, t.ID); err != nil {
			return mutationMsg{err: err}
		}
		return mutationMsg{status: "Deleted " + t.Subdomain}
	}
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case loggedInMsg:
		return m.onLoggedIn(msg)
	case dashboardMsg:
		if msg.err != nil {
			m.status = "Profile: " + security.UserMessage(msg.err, true)
			return m, nil
		}
		m.profile = msg.profile
		m.quota = msg.quota
		return m, nil
	case refreshedMsg:
		if m.screen == screenLogin {
			return m, nil
		}
		m.busy = false
		if msg.err != nil {
			if errors.Is(msg.err, api.ErrUnauthorized) {
				return m.logout("API key rejected. Log in again.")
			}
			slog.Warn("dashboard refresh failed", "error", security.DebugMessage(msg.err))
			m.status = "Refresh failed: " + security.UserMessage(msg.err, true)
			return m, nil
		}
		m.tunnels = msg.tunnels
		if len(msg.pass.Outcomes) > 0 || msg.pass.StartedAt != (time.Time{}) {
			m.pass = msg.pass
		}
		m.clampSel()
		m.status = m.passSummary()
		return m, nil
	case mutationMsg:
		if msg.err != nil {
			m.busy = false
			m.status = security.UserMessage(msg.err, true)
			return m, nil
		}
		m.status = msg.status
		refresh := m.refresh()
		return m, tea.Batch(refresh, dashboardCmd(m.client))
	case tickMsg:
		if m.sup == nil || msg.gen != m.tickGen {
			return m, nil
		}
		refresh := m.refresh()
		return m, tea.Batch(refresh, tickCmd(m.deps.Config.Supervisor.SyncSeconds, m.tickGen))
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		switch m.screen {
		case screenLogin:
			return m.updateLogin(msg)
		case screenForm:
			return m.updateForm(msg)
		case screenConfirmDelete:
			return m.updateConfirmDelete(msg)
		default:
			return m.updateDashboard(msg)
		}
	}
	return m, nil
}

func (m modelUI) onLoggedIn(msg loggedInMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	if msg.err != nil {
		if m.deps.Creds.APIKey != "" && errors.Is(msg.err, api.ErrUnauthorized) {
			_ = credentials.Clear(m.deps.Config.APIURL)
			m.deps.Creds = credentials.Credentials{}
		}
		m.screen = screenLogin
		m.status = "Login failed: " + security.UserMessage(msg.err, true)
		return m, nil
	}
	if err := credentials.Save(msg.creds); err != nil {
		m.status = "Could not save credentials: " + security.UserMessage(err, true)
	}
	m.deps.Creds = msg.creds
	m.client = m.client.WithAPIKey(msg.creds.APIKey)
	m.profile = msg.profile
	sup, err := m.deps.NewSupervisor(m.client)
	if err != nil {
		m.status = "Supervisor: " + security.UserMessage(err, true)
		return m, nil
	}
	m.sup = sup
	m.tickGen++
	m.screen = screenDashboard
	m.keyInput.SetValue("")
	m.status = "Loading tunnels..."
	refresh := m.refresh()
	return m, tea.Batch(dashboardCmd(m.client), refresh, tickCmd(m.deps.Config.Supervisor.SyncSeconds, m.tickGen))
}

func (m *modelUI) refresh() tea.Cmd {
	if m.sup == nil {
		return nil
	}
	m.busy = true
	return tea.Batch(m.spin.Tick, refreshCmd(m.client, m.sup))
}

func (m modelUI) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	empty := m.keyInput.Value() == ""
	switch {
	case msg.String() == "esc" || (empty && msg.String() == "q"):
		return m.quit()
	case empty && msg.String() == "b":
		m.busy = true
		m.status = "Waiting for the browser to finish logging in..."
		return m, tea.Batch(m.spin.Tick, browserLoginCmd(m.deps.Config, m.client))
	case empty && msg.String() == "o":
		return m, openPortalCmd(m.deps.Config.PortalURL)
	case msg.String() == "enter":
		m.busy = true
		m.status = "Checking API key..."
		return m, tea.Batch(m.spin.Tick, loginCmd(m.client, m.deps.Config.APIURL, m.keyInput.Value()))
	}
	var cmd tea.Cmd
	m.keyInput, cmd = m.keyInput.Update(msg)
	return m, cmd
}

func (m modelUI) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.screen = screenDashboard
		m.status = "Cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	m.screen = screenDashboard
	m.busy = true
	if res.mode == formModeCreate {
		m.status = "Creating tunnel..."
		return m, tea.Batch(m.spin.Tick, createCmd(m.client, *res.port, res.subdomain))
	}
	m.status = "Updating local port..."
	return m, tea.Batch(m.spin.Tick, updatePortCmd(m.client, m.sup, res.tunnelID, res.port))
}

func (m modelUI) updateConfirmDelete(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.screen = screenDashboard
	t, ok := m.selected()
	if !ok || (msg.String() != "y" && msg.String() != "Y") {
		m.status = "Delete cancelled"
		return m, nil
	}
	m.busy = true
	m.status = "Deleting " + t.Subdomain + "..."
	return m, tea.Batch(m.spin.Tick, deleteCmd(m.client, m.sup, t))
}

func (m modelUI) updateDashboard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m.quit()
	case "j", "down":
		if m.sel < len(m.tunnels)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "r":
		m.status = "Refreshing..."
		refresh := m.refresh()
		return m, refresh
	case "n":
		if !m.quota.CanCreateTunnel {
			m.status = "Tunnel quota reached"
			return m, nil
		}
		m.form = newCreateForm(m.profile.IsAdmin(), m.deps.Config.Edge.Domain)
		m.screen = screenForm
		return m, textinput.Blink
	case "e":
		if t, ok := m.selected(); ok {
			m.form = newEditPortForm(t)
			m.screen = screenForm
			return m, textinput.Blink
		}
	case "d":
		if t, ok := m.selected(); ok {
			m.screen = screenConfirmDelete
			m.status = fmt.Sprintf("Delete %s? y to confirm, any other key to cancel", t.Subdomain)
		}
	case "o":
		return m, openPortalCmd(m.deps.Config.PortalURL)
	case "l":
		return m.logout("Logged out.")
	}
	return m, nil
}

func (m modelUI) logout(status string) (tea.Model, tea.Cmd) {
	if m.sup != nil {
		m.sup.Shutdown()
		m.sup = nil
	}
	_ = credentials.Clear(m.deps.Config.APIURL)
	m.deps.Creds = credentials.Credentials{}
	m.tunnels = nil
	m.pass = supervisor.PassResult{}
	m.profile = model.Profile{}
	m.screen = screenLogin
	m.busy = false
	m.status = status
	m.keyInput.Focus()
	return m, textinput.Blink
}

// quit stops every forwarder before leaving.
func (m modelUI) quit() (tea.Model, tea.Cmd) {
	if m.sup != nil {
		m.sup.Shutdown()
	}
	return m, tea.Quit
}

func (m modelUI) selected() (model.Tunnel, bool) {
	if m.sel < 0 || m.sel >= len(m.tunnels) {
		return model.Tunnel{}, false
	}
	return m.tunnels[m.sel], true
}

func (m *modelUI) clampSel() {
	if m.sel >= len(m.tunnels) {
		m.sel = len(m.tunnels) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

// displayStatus is the label shown for t in the tunnel table.
func (m modelUI) displayStatus(t model.Tunnel) string {
	if !t.HasLocalPort() {
		return "Manual"
	}
	switch m.pass.Status(t.ID) {
	case model.StatusConnected:
		return "Connected"
	case model.StatusPortDown:
		return "Port down"
	default:
		return "Ready"
	}
}

func (m modelUI) passSummary() string {
	connected, down := 0, 0
	for _, o := range m.pass.Outcomes {
		switch o.Status {
		case model.StatusConnected:
			connected++
		case model.StatusPortDown:
			down++
		}
	}
	s := fmt.Sprintf("Synced %s: %d connected, %d port down", time.Now().Format("15:04:05"), connected, down)
	if n := m.pass.Failed(); n > 0 {
		for _, o := range m.pass.Outcomes {
			if o.Err != nil {
				s += fmt.Sprintf(" | %s: %s", o.Subdomain, security.UserMessage(o.Err, true))
				break
			}
		}
	}
	return s
}

func (m modelUI) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Tunnel Dashboard")
	width := m.effectiveWidth()
	status := m.status
	if m.busy {
		status = m.spin.View() + " " + status
	}
	statusPanel := m.renderPanel("Status", status, width, lipgloss.Color("205"))

	if m.screen == screenLogin {
		body := strings.Join([]string{
			"API URL: " + m.deps.Config.APIURL,
			"",
			"API key: " + m.keyInput.View(),
			"",
			"Enter submit | b browser login | o open portal | q quit",
		}, "\n")
		return lipgloss.JoinVertical(lipgloss.Left, head, m.renderPanel("Login", body, width, lipgloss.Color("39")), statusPanel)
	}

	account := fmt.Sprintf("%s  role=%s  tunnels=%d/%s  custom=%d/%s  sync=%ds",
		util.DefaultString(m.profile.Username, m.deps.Creds.Username),
		util.DefaultString(m.profile.Role, "user"),
		m.quota.UsedTunnels, limitLabel(m.quota.MaxTunnels),
		m.quota.UsedCustomDomains, limitLabel(m.quota.MaxCustomDomains),
		m.deps.Config.Supervisor.SyncSeconds)

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("  %-3s %-10s %-22s %-8s %-10s %s\n", "", "ID", "SUBDOMAIN", "LOCAL", "STATUS", "URL"))
	for i, t := range m.tunnels {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		mark := "[R]"
		if t.IsCustomSubdomain {
			mark = "[C]"
		}
		local := "-"
		if t.HasLocalPort() {
			local = fmt.Sprintf("%d", t.Port())
		}
		tbl.WriteString(fmt.Sprintf("%s %-3s %-10s %-22s %-8s %-10s %s\n", cursor, mark, util.ShortID(t.ID), t.Subdomain, local, m.displayStatus(t), util.EmptyDash(t.PublicURL())))
	}
	if len(m.tunnels) == 0 {
		tbl.WriteString("  (no tunnels yet, press n to create one)\n")
	}

	quickHelp := "Keys: n new | e edit port | d delete | r refresh | o portal | l logout | q quit"
	panels := []string{head, account, quickHelp, m.renderPanel("Tunnels", tbl.String(), width, lipgloss.Color("63"))}
	if m.screen == screenForm && m.form != nil {
		panels = append(panels, m.form.view(m.renderPanel, width))
	}
	panels = append(panels, statusPanel)
	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func limitLabel(n int) string {
	if n < 0 {
		return "inf"
	}
	return fmt.Sprintf("%d", n)
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m modelUI) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

// Run starts the dashboard. Every forwarder is stopped before it returns.
func Run(d Deps) error {
	p := tea.NewProgram(initialModel(d), tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(modelUI); ok && fm.sup != nil {
		fm.sup.Shutdown()
	}
	return err
}
