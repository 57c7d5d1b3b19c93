package security

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/provision"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the API endpoint and the permissions of everything
// tunnel-cli keeps on disk.
func RunLocalAudit() (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if insecureEndpoint(cfg.APIURL) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        "api_url uses plain http; the API key is sent in clear text",
			Recommendation: "use an https api_url",
		})
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false, SeverityMedium)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true, SeverityMedium)
		checkPathPerm(&findings, filepath.Join(cfgDir, "runtime.json"), 0o600, true, SeverityLow)
	}
	if path, err := appconfig.CredentialsFilePath(); err == nil {
		checkPathPerm(&findings, path, 0o600, true, SeverityHigh)
	}
	if dir, err := appconfig.ConfigsDir(); err == nil {
		checkPathPerm(&findings, dir, 0o700, false, SeverityMedium)
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".ini" {
				continue
			}
			checkPathPerm(&findings, filepath.Join(dir, e.Name()), 0o600, true, SeverityMedium)
		}
	}
	if dir, err := appconfig.BinDir(); err == nil {
		checkWritable(&findings, filepath.Join(dir, provision.BinaryName(runtime.GOOS)))
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
}

func insecureEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool, sev Severity) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       sev,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}

// checkWritable flags a forwarder binary that other users could replace.
func checkWritable(findings *[]Finding, path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if st.Mode().Perm()&0o022 != 0 {
		*findings = append(*findings, Finding{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        fmt.Sprintf("forwarder binary is writable by other users (%#o)", st.Mode().Perm()),
			Recommendation: "chmod 0755 the binary or delete it and run `tunnel install`",
		})
	}
}
