// Package agent – mounts.go enforces the extra-mount allowlist.
//
// The allowlist file lives outside the project root (user config dir) and
// is itself never mounted into any sandbox. A mount is allowed only when
// its host path resolves under an allowlisted root.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbhatt/waclaw/pkg/waclaw/state"
)

// mountAllowlist is the on-disk allowlist format.
type mountAllowlist struct {
	Allowed []string `json:"allowed"`
}

// loadAllowlist reads the allowlist; a missing file means nothing is
// allowed.
func loadAllowlist(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var al mountAllowlist
	if err := json.Unmarshal(data, &al); err != nil {
		return nil
	}
	var roots []string
	for _, p := range al.Allowed {
		if abs, err := filepath.Abs(p); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	return roots
}

// resolveExtraMounts filters a group's extra mounts against the allowlist.
// Returns docker -v arguments for the allowed mounts and the host paths of
// the denied ones.
func (r *Runner) resolveExtraMounts(mounts []state.Mount) (argv []string, denied []string) {
	if len(mounts) == 0 {
		return nil, nil
	}
	roots := loadAllowlist(r.allowlistPath)

	for _, m := range mounts {
		host, err := filepath.Abs(m.HostPath)
		if err != nil {
			denied = append(denied, m.HostPath)
			continue
		}
		host = filepath.Clean(host)

		if host == filepath.Clean(r.allowlistPath) || !pathAllowed(host, roots) {
			denied = append(denied, m.HostPath)
			continue
		}

		containerPath := m.ContainerPath
		if containerPath == "" {
			containerPath = "/workspace/extra/" + filepath.Base(host)
		}
		binding := fmt.Sprintf("%s:%s", host, containerPath)
		if m.ReadOnly {
			binding += ":ro"
		}
		argv = append(argv, "-v", binding)
	}
	return argv, denied
}

// pathAllowed reports whether host is an allowlisted root or inside one.
func pathAllowed(host string, roots []string) bool {
	for _, root := range roots {
		if host == root || strings.HasPrefix(host, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
