package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Server is the host agent. It runs commands for the orchestrator either
// blocking (/v0/call) or as jobs (/v0/jobs).
type Server struct {
	Version string
	// Hostname keys every result map.
	Hostname string
	// Token, when set, is required as a bearer token or X-Auth-Token.
	Token   string
	Runner  Runner
	Metrics *telemetry.Metrics

	jobs *jobTable
	srv  *http.Server
}

// Call runs a command and returns its result map.
func (s *Server) Call(ctx context.Context, command string, args []any) map[string]any {
	start := time.Now()
	res := s.Runner.Run(ctx, command, args)
	s.observe(command, "sync", res, time.Since(start))
	return map[string]any{s.Hostname: res}
}

func (s *Server) observe(command, mode string, res any, d time.Duration) {
	status := "ok"
	if isRemoteError(res) {
		status = "remote_error"
		log.Warn().Str("system", "agent").Str("command", command).Interface("result", res).Msg("command failed")
	}
	s.Metrics.AgentCall(command, mode, status, d)
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	if s.jobs == nil {
		s.jobs = newJobTable()
	}
	mux.HandleFunc("GET /v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HeartbeatResponse{Time: time.Now(), Host: s.Hostname, Version: s.Version})
	})
	mux.Handle("POST /v0/call", s.authorized(http.HandlerFunc(s.handleCall)))
	mux.Handle("POST /v0/jobs", s.authorized(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /v0/jobs/{id}", s.authorized(http.HandlerFunc(s.handleStatus)))
}

func (s *Server) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if !tokenEqual(auth, "Bearer "+s.Token) && !tokenEqual(x, s.Token) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func decodeCall(w http.ResponseWriter, r *http.Request) (CallRequest, bool) {
	defer r.Body.Close()
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, false
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCall(w, r)
	if !ok {
		return
	}
	log.Debug().Str("system", "agent").Str("command", req.Command).Msg("call")
	writeJSON(w, http.StatusOK, CallResponse{Result: s.Call(r.Context(), req.Command, req.Args)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCall(w, r)
	if !ok {
		return
	}
	id := s.jobs.start(func() any {
		start := time.Now()
		// Jobs outlive the submitting request.
		res := s.Runner.Run(context.Background(), req.Command, req.Args)
		s.observe(req.Command, "async", res, time.Since(start))
		return res
	})
	log.Debug().Str("system", "agent").Str("command", req.Command).Str("job", id).Msg("job submitted")
	writeJSON(w, http.StatusAccepted, JobSubmitResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, res := s.jobs.status(r.PathValue("id"))
	resp := JobStatusResponse{Status: string(status)}
	if status == dispatch.JobFinished || status == dispatch.JobRemoteError {
		resp.Result = map[string]any{s.Hostname: res}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("system", "agent").Msg("write response")
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	mon := telemetry.NewMonitoring(s.Metrics)
	mon.AddHealthCheck("jobs", func(context.Context) telemetry.HealthCheck {
		return telemetry.HealthCheck{
			Status:  telemetry.HealthStatusHealthy,
			Details: map[string]string{"tracked": fmt.Sprint(s.jobs.pending())},
		}
	})
	mon.Register(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
