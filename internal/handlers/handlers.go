// Package handlers is the HTTP surface of the query service. Handlers only
// translate between HTTP and the engine: every decision about access,
// budgets and dispositions lives behind the engine API.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/middleware"
	"github.com/dpserve/dpserve/internal/services/engine"
)

// maxBodyBytes bounds request payloads; DP query payloads are small.
const maxBodyBytes = 1 << 20

type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func New(eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, errs.InvalidQuery("could not read request body"))
		return nil, false
	}
	if len(body) == 0 {
		h.writeError(w, errs.InvalidQuery("empty request body"))
		return nil, false
	}
	return body, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto the HTTP surface. Internal
// details are masked by errs.Message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		h.logger.Error("Internal error on query surface", zap.Error(err))
	}
	h.writeJSON(w, errs.HTTPStatus(kind), map[string]string{
		"type":    string(kind),
		"message": errs.Message(err),
	})
}

// State reports liveness; it requires authentication like everything else
// so probing the service leaks nothing to anonymous callers.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requested_by": middleware.GetUser(r.Context()),
		"state":        "LIVE",
		"message":      "Server is live and processing queries.",
	})
}
