// Package identity names this daemon instance on the network and resolves
// the version it reports.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/magstab/magstab-go/internal/models"
)

// DefaultHostname is used when the system hostname cannot be read.
const DefaultHostname = "magstab"

// Hostname returns the short system hostname.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return DefaultHostname
	}
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}

// InstanceName is the DNS-SD instance name advertised for host.
func InstanceName(host string) string {
	if host == "" {
		host = DefaultHostname
	}
	return "magstab-" + host
}

// VersionFromDir returns the "version" of metadata.json in dir, written by
// the packaging scripts, or models.Version when there is none.
func VersionFromDir(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return models.Version
	}
	var meta struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Version == "" {
		return models.Version
	}
	return meta.Version
}
