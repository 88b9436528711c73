package agent

import (
	"sync"

	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/google/uuid"
)

type job struct {
	done   bool
	result any
}

// jobTable tracks asynchronous commands. A finished job is forgotten once
// its status has been reported, so later polls report it lost.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobTable() *jobTable { return &jobTable{jobs: map[string]*job{}} }

// start runs fn in the background and returns the job identifier.
func (t *jobTable) start(fn func() any) string {
	id := uuid.NewString()
	j := &job{}
	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()
	go func() {
		res := fn()
		t.mu.Lock()
		j.result, j.done = res, true
		t.mu.Unlock()
	}()
	return id
}

// status reports the job state. For terminal states the payload is returned
// and the job removed.
func (t *jobTable) status(id string) (dispatch.JobStatus, any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return dispatch.JobLost, nil
	}
	if !j.done {
		return dispatch.JobPending, nil
	}
	delete(t.jobs, id)
	if isRemoteError(j.result) {
		return dispatch.JobRemoteError, j.result
	}
	return dispatch.JobFinished, j.result
}

func (t *jobTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func isRemoteError(v any) bool {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return false
	}
	s, _ := items[0].(string)
	return s == dispatch.RemoteErrorSentinel
}
