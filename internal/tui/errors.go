package tui

import (
	"errors"
	"strings"
)

// humanError digs out the innermost message of an error chain for the
// dashboard's one-line error slot, capitalizing anything it extracted.
// "list cubicles: engine ping: connection refused" becomes "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	stripped := false
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
		stripped = true
	}
	msg := err.Error()
	// Errors assembled without %w still carry "op: cause" prefixes.
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
		stripped = true
	}
	if !stripped || msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
