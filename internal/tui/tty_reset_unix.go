//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after bubbletea exits.
// Interrupted raw mode otherwise leaves the shell without echo.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Use /dev/tty directly so redirected stdin does not matter.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
