//go:build !windows

package forker

import (
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"syscall"

	"github.com/vanilla/garden-daemon/internal/options"
)

// DropPrivileges applies the runasgroup then runasuser identity
// switches in the child realm. Unknown names log a warning and are
// skipped; a failed syscall on a known identity is an error. Callers
// must have verified euid 0 before forking.
func DropPrivileges(opts *options.Options, log *slog.Logger) error {
	if group := opts.Str(options.KeyRunAsGroup, ""); group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			log.Warn("unknown group, not switching", "group", group)
		} else {
			gid, _ := strconv.Atoi(g.Gid)
			if err := syscall.Setegid(gid); err != nil {
				return fmt.Errorf("setegid %s(%d): %w", group, gid, err)
			}
			log.Info("switched group", "group", group, "gid", gid)
		}
	}
	if name := opts.Str(options.KeyRunAsUser, ""); name != "" {
		u, err := user.Lookup(name)
		if err != nil {
			log.Warn("unknown user, not switching", "user", name)
		} else {
			uid, _ := strconv.Atoi(u.Uid)
			if err := syscall.Seteuid(uid); err != nil {
				return fmt.Errorf("seteuid %s(%d): %w", name, uid, err)
			}
			log.Info("switched user", "user", name, "uid", uid)
		}
	}
	return nil
}
