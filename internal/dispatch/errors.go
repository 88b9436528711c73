package dispatch

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrUnknownOperation is returned for operations missing from the command table.
var ErrUnknownOperation = errors.New("unknown operation")

// BlacklistedHostError is a pre-flight refusal for a host that recently
// timed out. Remaining is the time left until the entry expires.
type BlacklistedHostError struct {
	Host      string
	Remaining time.Duration
}

func (e *BlacklistedHostError) Error() string {
	return fmt.Sprintf("host %s was temporarily blacklisted, %ds to go", e.Host, int(math.Ceil(e.Remaining.Seconds())))
}

// TimeoutError reports a dispatch that exceeded its deadline.
type TimeoutError struct {
	Host    string
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s while executing %s on %s", e.After, e.Command, e.Host)
}

// RemoteOperationError carries the messages of a REMOTE_ERROR payload
// returned by a host agent.
type RemoteOperationError struct {
	Host     string
	Command  string
	Messages []string
}

func (e *RemoteOperationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("remote error executing %s on %s", e.Command, e.Host)
	}
	return strings.Join(e.Messages, ": ")
}

// JobLostError reports an asynchronous job that the agent no longer knows about.
type JobLostError struct {
	Host  string
	JobID string
}

func (e *JobLostError) Error() string {
	return fmt.Sprintf("job %s lost on %s", e.JobID, e.Host)
}

// outcome classifies an error for metrics labels.
func outcome(err error) string {
	var (
		blacklisted *BlacklistedHostError
		timeout     *TimeoutError
		remote      *RemoteOperationError
		lost        *JobLostError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &blacklisted):
		return "blacklisted"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.As(err, &lost):
		return "lost"
	}
	return "error"
}
