package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// CallRequest runs one command. It is the body of both /v0/call and /v0/jobs.
type CallRequest struct {
	Command string `json:"command"`
	Args    []any  `json:"args"`
}

// CallResponse carries the result keyed by the agent's hostname.
type CallResponse struct {
	Result map[string]any `json:"result"`
}

type JobSubmitResponse struct {
	JobID string `json:"job_id"`
}

type JobStatusResponse struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
