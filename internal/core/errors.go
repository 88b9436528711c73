package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoAddress is returned when no IP pool has a free address.
	ErrNoAddress = errors.New("no free address in any ip pool")
	// ErrNotPlaced is returned for instances whose container has no host.
	ErrNotPlaced = errors.New("compute is not placed on a host")
)

// ConfigApplyError reports a configuration update that the host rejected.
// Rolling back the enclosing transaction restores Original.
type ConfigApplyError struct {
	Compute  string
	Original map[string]any
	Err      error
}

func (e *ConfigApplyError) Error() string {
	return fmt.Sprintf("applying configuration to %s: %v", e.Compute, e.Err)
}

func (e *ConfigApplyError) Unwrap() error { return e.Err }

// FormatError renders err for display to a user: every line of the message
// is kept except traceback frames, and empty lines are dropped.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Traceback") || strings.HasPrefix(trimmed, "File \"") {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, ": ")
}
