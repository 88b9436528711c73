package dispatch

import (
	"context"
	"fmt"
)

// ResultMap is a remote reply keyed by the reporting identity of the host,
// nominally its hostname.
type ResultMap map[string]any

// JobStatus is the state of an asynchronous job as reported by the agent.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobFinished    JobStatus = "finished"
	JobRemoteError JobStatus = "remote_error"
	JobLost        JobStatus = "lost"
)

func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobRemoteError || s == JobLost
}

// RemoteErrorSentinel marks a payload that reports a remote failure. The
// remaining elements of the payload are the error messages.
const RemoteErrorSentinel = "REMOTE_ERROR"

// SyncClient performs one blocking remote call.
type SyncClient interface {
	Call(ctx context.Context, command string, args []any) (ResultMap, error)
}

// AsyncClient submits a job and reports its status.
type AsyncClient interface {
	Submit(ctx context.Context, command string, args []any) (string, error)
	Poll(ctx context.Context, jobID string) (JobStatus, ResultMap, error)
}

// ClientFactory builds connections to a host. Sync and async connections
// are created separately because their transports differ.
type ClientFactory interface {
	SyncClient(host string) (SyncClient, error)
	AsyncClient(host string) (AsyncClient, error)
}

// ShapeResult extracts the payload for host from a remote reply. A reply
// with a single entry is used whatever its key, since agents may report
// under an alias (localhost vs. the real host name). A payload whose first
// element is RemoteErrorSentinel becomes a RemoteOperationError.
func ShapeResult(host, command string, data ResultMap) (any, error) {
	key := host
	if len(data) == 1 {
		for k := range data {
			key = k
		}
	}
	res, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("no result for %s in reply from %s (%d entries)", command, host, len(data))
	}
	if items, ok := asSlice(res); ok && len(items) > 0 {
		if s, _ := items[0].(string); s == RemoteErrorSentinel {
			msgs := make([]string, 0, len(items)-1)
			for _, item := range items[1:] {
				msgs = append(msgs, fmt.Sprint(item))
			}
			return nil, &RemoteOperationError{Host: host, Command: command, Messages: msgs}
		}
	}
	return res, nil
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
