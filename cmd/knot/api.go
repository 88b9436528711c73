package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3cpo-dev/knot/internal/billing"
	"github.com/3cpo-dev/knot/internal/core"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/rs/zerolog/log"
)

// principalHeader names the principal a request acts as. Authentication
// is left to the fronting proxy.
const principalHeader = "X-Knot-Principal"

type apiServer struct {
	svc *core.Service
}

type errorResponse struct {
	Error string `json:"error"`
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

type actionResponse struct {
	Result any `json:"result"`
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/computes", s.handleList)
	mux.HandleFunc("POST /v0/computes", s.withPrincipal(s.handleCreate))
	mux.HandleFunc("GET /v0/computes/{id}", s.handleGet)
	mux.HandleFunc("PATCH /v0/computes/{id}", s.withPrincipal(s.handleModify))
	mux.HandleFunc("DELETE /v0/computes/{id}", s.withPrincipal(s.handleDelete))
	mux.HandleFunc("PUT /v0/computes/{id}/owner", s.withPrincipal(s.handleOwner))
	mux.HandleFunc("POST /v0/computes/{id}/actions/{op}", s.withPrincipal(s.handleAction))
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p api.Principal)

func (s *apiServer) withPrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(principalHeader)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + principalHeader + " header"})
			return
		}
		p, err := s.svc.Principal(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, p)
	}
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	computes, err := s.svc.ListComputes(r.Context(), core.ComputeFilter{
		Owner:     q.Get("owner"),
		Kind:      api.ComputeKind(q.Get("kind")),
		Container: q.Get("container"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if computes == nil {
		computes = []api.Compute{}
	}
	writeJSON(w, http.StatusOK, computes)
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Compute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *apiServer) handleCreate(w http.ResponseWriter, r *http.Request, p api.Principal) {
	var c api.Compute
	if !decode(w, r, &c) {
		return
	}
	created, err := s.svc.CreateCompute(r.Context(), p, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *apiServer) handleModify(w http.ResponseWriter, r *http.Request, p api.Principal) {
	var changes map[string]any
	if !decode(w, r, &changes) {
		return
	}
	c, err := s.svc.ModifyCompute(r.Context(), p, r.PathValue("id"), changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *apiServer) handleDelete(w http.ResponseWriter, r *http.Request, p api.Principal) {
	if err := s.svc.DeleteCompute(r.Context(), p, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleOwner(w http.ResponseWriter, r *http.Request, p api.Principal) {
	var req ownerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.ChangeOwner(r.Context(), p, r.PathValue("id"), req.Owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleAction(w http.ResponseWriter, r *http.Request, p api.Principal) {
	op, err := dispatch.ParseOperation(r.PathValue("op"))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.RunAction(r.Context(), p, r.PathValue("id"), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Result: res})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var (
		credit      *billing.CreditInsufficientError
		apply       *core.ConfigApplyError
		blacklisted *dispatch.BlacklistedHostError
		timeout     *dispatch.TimeoutError
		remote      *dispatch.RemoteOperationError
		lost        *dispatch.JobLostError
	)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.As(err, &credit):
		return http.StatusPaymentRequired
	case errors.As(err, &apply), errors.Is(err, core.ErrNotPlaced):
		return http.StatusConflict
	case errors.As(err, &blacklisted):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote), errors.As(err, &lost):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("system", "api").Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: core.FormatError(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("system", "api").Msg("write response")
	}
}
