//go:build windows

package tui

// Raw-mode cleanup is handled by the console host.
func bestEffortResetTTY() {}
