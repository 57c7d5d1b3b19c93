package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/util"
)

// formMode distinguishes the create screen from the edit-port screen.
type formMode int

const (
	formModeCreate formMode = iota
	formModeEditPort
)

// Field indices for the create form.
const (
	fieldPort = iota
	fieldSubdomain
	fieldCount
)

// formResult is returned when the user submits a valid form.
type formResult struct {
	mode      formMode
	tunnelID  string
	port      *int
	subdomain string
}

// tunnelForm holds the state of the create and edit-port screens.
type tunnelForm struct {
	mode     formMode
	tunnel   model.Tunnel
	admin    bool
	domain   string
	fields   []textinput.Model
	focusIdx int
	errMsg   string
}

func newCreateForm(admin bool, domain string) *tunnelForm {
	f := &tunnelForm{mode: formModeCreate, admin: admin, domain: domain}
	placeholders := []string{"3000 (required)", "random when empty"}
	limits := []int{5, 63}
	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}
	f.fields[fieldPort].Focus()
	return f
}

func newEditPortForm(t model.Tunnel) *tunnelForm {
	f := &tunnelForm{mode: formModeEditPort, tunnel: t}
	ti := textinput.New()
	ti.Placeholder = "empty for manual"
	ti.CharLimit = 5
	ti.Width = 20
	if t.HasLocalPort() {
		ti.SetValue(fmt.Sprintf("%d", t.Port()))
	}
	ti.Focus()
	f.fields = []textinput.Model{ti}
	return f
}

// update processes a key message and returns a formResult once the form is
// submitted with valid input.
func (f *tunnelForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		if len(f.fields) < 2 {
			return nil, nil
		}
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % len(f.fields)
		} else {
			f.focusIdx = (f.focusIdx - 1 + len(f.fields)) % len(f.fields)
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "enter":
		res, err := f.result()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return res, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *tunnelForm) result() (*formResult, error) {
	if f.mode == formModeEditPort {
		port, err := util.ParseOptionalPort(f.fields[0].Value())
		if err != nil {
			return nil, err
		}
		return &formResult{mode: formModeEditPort, tunnelID: f.tunnel.ID, port: port}, nil
	}
	port, sub, err := parseCreateInput(f.fields[fieldPort].Value(), f.fields[fieldSubdomain].Value(), f.admin)
	if err != nil {
		return nil, err
	}
	return &formResult{mode: formModeCreate, port: &port, subdomain: sub}, nil
}

// parseCreateInput validates the create form. An empty subdomain asks the
// service for a random one.
func parseCreateInput(portStr, subdomain string, admin bool) (int, string, error) {
	port, err := util.ParsePort(portStr)
	if err != nil {
		return 0, "", err
	}
	sub := strings.ToLower(strings.TrimSpace(subdomain))
	if sub != "" {
		if err := util.ValidateSubdomain(sub, admin); err != nil {
			return 0, "", err
		}
	}
	return port, sub, nil
}

// previewURL shows the address a new tunnel will get.
func previewURL(subdomain, domain string) string {
	sub := strings.ToLower(strings.TrimSpace(subdomain))
	if sub == "" {
		sub = "<random>"
	}
	return "https://" + sub + "." + domain
}

// view renders the form panel.
func (f *tunnelForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	if f.mode == formModeEditPort {
		return renderPanel("Edit Local Port - "+f.tunnel.Subdomain, f.editView(), width, accent)
	}
	return renderPanel("New Tunnel", f.createView(), width, accent)
}

func (f *tunnelForm) createView() string {
	labels := []string{"Local port:", "Subdomain:"}
	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-12s %s\n", cursor, label, f.fields[i].View()))
	}
	b.WriteString("\n  URL: " + previewURL(f.fields[fieldSubdomain].Value(), f.domain) + "\n")
	if !f.admin {
		b.WriteString(fmt.Sprintf("  Custom subdomains need at least %d characters.\n", util.MinSubdomainLen))
	}
	f.writeError(&b)
	b.WriteString("\nTab navigate | Enter create | Esc cancel")
	return b.String()
}

func (f *tunnelForm) editView() string {
	var b strings.Builder
	b.WriteString("Local port: " + f.fields[0].View() + "\n\n")
	b.WriteString("A tunnel with a local port connects automatically while the port listens.\n")
	b.WriteString("Leave empty to make it manual and stop its forwarder.\n")
	f.writeError(&b)
	b.WriteString("\nEnter save | Esc cancel")
	return b.String()
}

func (f *tunnelForm) writeError(b *strings.Builder) {
	if f.errMsg == "" {
		return
	}
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
}
