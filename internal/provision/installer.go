// Package provision installs the pinned frpc release into the local bin
// directory on first use.
package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Installer makes sure the forwarding binary exists. Only the first call on a
// machine touches the network.
type Installer struct {
	BinDir  string
	Version string
	BaseURL string
	GOOS    string
	GOARCH  string
	Client  *http.Client

	mu sync.Mutex
}

// New returns an Installer for the running platform.
func New(binDir, version, baseURL string) *Installer {
	return &Installer{
		BinDir:  binDir,
		Version: strings.TrimPrefix(version, "v"),
		BaseURL: strings.TrimRight(baseURL, "/"),
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// BinaryPath is where the binary lives once installed.
func (i *Installer) BinaryPath() string {
	return filepath.Join(i.BinDir, BinaryName(i.GOOS))
}

// Installed reports whether the binary is already in place.
func (i *Installer) Installed() bool {
	st, err := os.Stat(i.BinaryPath())
	return err == nil && st.Mode().IsRegular()
}

// ArchiveURL is the release asset for this platform.
func (i *Installer) ArchiveURL() (string, error) {
	key, err := PlatformKey(i.GOOS, i.GOARCH)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v%s/%s", i.BaseURL, i.Version, ArchiveName(i.Version, key, i.GOOS)), nil
}

// EnsureInstalled returns the binary path, downloading and unpacking the
// release first if needed. Temporary files are removed on every path.
func (i *Installer) EnsureInstalled(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	dest := i.BinaryPath()
	if i.Installed() {
		return dest, nil
	}
	url, err := i.ArchiveURL()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(i.BinDir, 0o755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}
	slog.Info("downloading forwarder", "version", i.Version, "url", url)

	archive, err := i.download(ctx, url)
	if err != nil {
		return "", err
	}
	defer removeAll(archive)

	scratch, err := os.MkdirTemp(i.BinDir, "extract-")
	if err != nil {
		return "", err
	}
	defer removeAll(scratch)

	if i.GOOS == "windows" {
		err = extractZip(archive, scratch)
	} else {
		err = extractTarGz(archive, scratch)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(url), err)
	}
	found, err := findBinary(scratch, BinaryName(i.GOOS))
	if err != nil {
		return "", err
	}
	if err := os.Rename(found, dest); err != nil {
		return "", fmt.Errorf("install binary: %w", err)
	}
	if i.GOOS != "windows" {
		if err := os.Chmod(dest, 0o755); err != nil {
			return "", fmt.Errorf("chmod binary: %w", err)
		}
	}
	slog.Info("forwarder installed", "path", dest)
	return dest, nil
}

func (i *Installer) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download forwarder: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download forwarder: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(i.BinDir, "download-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		removeAll(tmp.Name())
		return "", fmt.Errorf("download forwarder: %w", err)
	}
	slog.Debug("forwarder archive downloaded", "size", humanize.Bytes(uint64(n)))
	return tmp.Name(), nil
}

func removeAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		slog.Warn("cannot remove temporary path", "path", path, "error", err)
	}
}
