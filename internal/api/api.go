// Package api exposes replication over HTTP.
//
//	POST   /replications                 submit; 202 with the new requests
//	GET    /nodes/{node}/policies        status of a target node
//	DELETE /nodes/{node}/policies/{id}   delete an artifact or clear a failed request
//	GET    /healthz                      liveness
//
// Errors are JSON objects {"code": ..., "error": ...}. The HTTP status is
// derived from the replication error code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/replication"
)

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 1 << 20

// Service is the replication surface the handlers drive.
// *replication.Orchestrator implements it.
type Service interface {
	Submit(ctx context.Context, sub replication.Submission) ([]replication.Request, error)
	Status(ctx context.Context, target node.ID) (replication.NodeStatus, error)
	Delete(ctx context.Context, target node.ID, artifactID string) error
}

// SubmitResponse is the body of a successful POST /replications.
type SubmitResponse struct {
	Requests []replication.Request `json:"requests"`
}

// StatusResponse is the body of GET /nodes/{node}/policies. A non-empty
// LiveError means the node could not be listed and only tracked requests
// are shown.
type StatusResponse = replication.NodeStatus

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler returns the API router. A nil logger uses slog.Default.
func NewHandler(svc Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /replications", h.submit)
	mux.HandleFunc("GET /nodes/{node}/policies", h.status)
	mux.HandleFunc("DELETE /nodes/{node}/policies/{id}", h.delete)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var sub replication.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		h.fail(w, r, &replication.Error{Code: replication.CodeValidation, Message: fmt.Sprintf("decode request body: %v", err)})
		return
	}

	reqs, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{Requests: reqs})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	target := node.ID(r.PathValue("node"))
	st, err := h.svc.Status(r.Context(), target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st.Node = target
	if st.Policies == nil {
		st.Policies = []replication.StatusEntry{}
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), node.ID(r.PathValue("node")), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	code := string(replication.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	writeJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

// StatusCode maps a replication error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, replication.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, replication.ErrResolution), errors.Is(err, replication.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, replication.ErrVersionIncompatible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, replication.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
