// Package rest exposes the Submission API over HTTP: a single endpoint that
// accepts a run request and returns its queued (or already-existing) status.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/wfcore/internal/application/submission"
	domainerrors "github.com/smilemakc/wfcore/internal/domain/errors"
)

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Server is the Submission API's HTTP front door.
type Server struct {
	api     *submission.API
	log     zerolog.Logger
	mux     *http.ServeMux
	limiter *rateLimiter
}

// NewServer wires the Submission API behind request-id, logging, recovery,
// and rate-limiting middleware.
func NewServer(api *submission.API, log zerolog.Logger) *Server {
	s := &Server{api: api, log: log, mux: http.NewServeMux(), limiter: newRateLimiter(100, time.Minute)}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP chains the middleware stack around the route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := requestIDMiddleware(
		recoveryMiddleware(s.log,
			loggingMiddleware(s.log,
				s.limiter.middleware(s.mux))))
	handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// submitRequest is the wire shape of a run submission: runId, workflowId,
// and tenantId are required; startNodeId and payload are optional.
type submitRequest struct {
	RunID       string         `json:"runId"`
	WorkflowID  string         `json:"workflowId"`
	TenantID    string         `json:"tenantId"`
	StartNodeID string         `json:"startNodeId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, domainerrors.CodeValidationFailed, "malformed request body")
		return
	}

	req := submission.Request{
		RunID:       body.RunID,
		WorkflowID:  body.WorkflowID,
		TenantID:    body.TenantID,
		StartNodeID: body.StartNodeID,
		Payload:     body.Payload,
	}

	view, err := s.api.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domainerrors.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, validationErr.Code, validationErr.Message)
		return
	}

	// Everything else surfaced by Submit is a gateway-class failure: the
	// caller should retry the same runId, which will idempotently resolve.
	s.log.Error().Err(err).Str("requestId", requestIDFrom(r.Context())).Msg("submission failed")
	writeError(w, http.StatusBadGateway, domainerrors.CodeInternal, "failed to submit run")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
