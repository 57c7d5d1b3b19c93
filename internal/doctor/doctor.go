package doctor

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/credentials"
	"github.com/treykane/tunnel-cli/internal/events"
	"github.com/treykane/tunnel-cli/internal/model"
	"github.com/treykane/tunnel-cli/internal/provision"
	"github.com/treykane/tunnel-cli/internal/security"
	"github.com/treykane/tunnel-cli/internal/tunnel"
	"github.com/treykane/tunnel-cli/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Input is what the caller already knows. Tunnels is nil when the list
// could not be fetched; TunnelsErr then says why.
type Input struct {
	APIURL     string
	BinaryPath string
	Tunnels    []model.Tunnel
	TunnelsErr error
}

// Run executes local diagnostics for tunnel-cli.
func Run(in Input) (Report, error) {
	var issues []Issue

	if _, err := provision.PlatformKey(runtime.GOOS, runtime.GOARCH); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "platform",
			Target:         runtime.GOOS + "/" + runtime.GOARCH,
			Message:        err.Error(),
			Recommendation: "install frpc manually into the bin directory",
		})
	}
	if in.BinaryPath != "" {
		if _, err := os.Stat(in.BinaryPath); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "forwarder-binary",
				Target:         in.BinaryPath,
				Message:        "frpc is not installed yet",
				Recommendation: "run `tunnel install` or let the first connection download it",
			})
		}
	}

	if _, err := credentials.Load(in.APIURL); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "credentials",
			Target:         in.APIURL,
			Message:        security.RedactMessage(err.Error()),
			Recommendation: "run `tunnel login`",
		})
	}
	if in.TunnelsErr != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "remote-api",
			Target:         in.APIURL,
			Message:        security.RedactMessage(in.TunnelsErr.Error()),
			Recommendation: "check network access and that the API key is still valid",
		})
	}
	issues = append(issues, duplicatePortIssues(in.Tunnels)...)
	issues = append(issues, runtimeIssues()...)
	issues = append(issues, failingForwarderIssues()...)

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func runtimeIssues() []Issue {
	configsDir, err := appconfig.ConfigsDir()
	if err != nil {
		return nil
	}
	runtimePath, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil
	}
	var issues []Issue
	orphans, err := tunnel.OrphanConfigs(configsDir, runtimePath)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "orphan-config",
			Target:         configsDir,
			Message:        fmt.Sprintf("unable to inspect forwarder configs: %v", err),
			Recommendation: "verify the configs directory manually",
		})
	}
	for _, path := range orphans {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "orphan-config",
			Target:         path,
			Message:        "forwarder config has no running process",
			Recommendation: "run `tunnel prune` to remove it",
		})
	}

	rts, err := tunnel.ReadRuntime(runtimePath)
	if err != nil {
		return issues
	}
	for _, rt := range rts {
		if rt.Status != model.StatusConnected || !tunnel.ProcessAlive(rt.PID) {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "runtime-stale",
				Target:         rt.Subdomain,
				Message:        fmt.Sprintf("forwarder for %s (pid %d) is no longer running", util.ShortID(rt.TunnelID), rt.PID),
				Recommendation: "restart with `tunnel up` or remove stale state with `tunnel prune`",
			})
		}
	}
	return issues
}

// failingForwarderIssues flags tunnels whose latest journal entry in the
// last day is a failed start or install.
func failingForwarderIssues() []Issue {
	health, err := events.NewStore().Health(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, h := range health {
		if !h.Failing() {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "forwarder-failing",
			Target:         util.DefaultString(h.Subdomain, util.ShortID(h.TunnelID)),
			Message:        fmt.Sprintf("%d failed start(s) since the last success: %s", h.Failures, security.RedactMessage(util.EmptyDash(h.Last.Message))),
			Recommendation: "see `tunnel events --problems --tunnel " + util.ShortID(h.TunnelID) + "`",
		})
	}
	return issues
}

// duplicatePortIssues flags auto-managed tunnels sharing a local port. Each
// pass would start both against the same service.
func duplicatePortIssues(tunnels []model.Tunnel) []Issue {
	seen := map[int][]string{}
	for _, t := range tunnels {
		if !t.HasLocalPort() {
			continue
		}
		seen[t.Port()] = append(seen[t.Port()], t.Subdomain)
	}
	var issues []Issue
	for port, subs := range seen {
		if len(subs) < 2 {
			continue
		}
		sort.Strings(subs)
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "duplicate-local-port",
			Target:         util.LoopbackAddr(port),
			Message:        fmt.Sprintf("local port is used by %d tunnels (%s)", len(subs), strings.Join(subs, ", ")),
			Recommendation: "give each tunnel its own local port with `tunnel set-port`",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
