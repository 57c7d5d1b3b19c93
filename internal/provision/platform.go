package provision

import (
	"errors"
	"fmt"
)

var ErrUnsupportedPlatform = errors.New("unsupported platform")

// releasePlatforms lists the GOOS/GOARCH pairs published upstream, keyed the
// way release archive names spell them.
var releasePlatforms = map[string]map[string]string{
	"darwin":  {"amd64": "darwin_amd64", "arm64": "darwin_arm64"},
	"linux":   {"amd64": "linux_amd64", "arm64": "linux_arm64", "arm": "linux_arm"},
	"windows": {"amd64": "windows_amd64", "arm64": "windows_arm64"},
	"freebsd": {"amd64": "freebsd_amd64"},
}

// PlatformKey maps an OS and architecture to a release archive suffix.
func PlatformKey(goos, goarch string) (string, error) {
	if arches, ok := releasePlatforms[goos]; ok {
		if key, ok := arches[goarch]; ok {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

// BinaryName is the forwarding executable's file name on goos.
func BinaryName(goos string) string {
	if goos == "windows" {
		return "frpc.exe"
	}
	return "frpc"
}

func archiveExt(goos string) string {
	if goos == "windows" {
		return "zip"
	}
	return "tar.gz"
}

// ArchiveName is the release asset for version on the given platform key.
func ArchiveName(version, key, goos string) string {
	return fmt.Sprintf("frp_%s_%s.%s", version, key, archiveExt(goos))
}
