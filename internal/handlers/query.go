package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/middleware"
	"github.com/dpserve/dpserve/internal/models"
)

// queryRequest carries the routing fields shared by every query endpoint.
// The full body is forwarded to the backend untouched, so library-specific
// fields stay opaque here.
type queryRequest struct {
	DatasetName string `json:"dataset_name"`
	DummyRows   int    `json:"dummy_nb_rows"`
	DummySeed   int64  `json:"dummy_seed"`
}

func (h *Handler) parseQuery(w http.ResponseWriter, r *http.Request) (string, *queryRequest, []byte, bool) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		h.writeError(w, errs.Unauthorized("no authenticated user"))
		return "", nil, nil, false
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return "", nil, nil, false
	}

	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errs.InvalidQuery("malformed request body: %v", err))
		return "", nil, nil, false
	}
	if req.DatasetName == "" {
		h.writeError(w, errs.InvalidQuery("dataset_name is required"))
		return "", nil, nil, false
	}
	return user, &req, body, true
}

// Query runs a production query against the private dataset.
func (h *Handler) Query(library models.LibraryTag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, req, body, ok := h.parseQuery(w, r)
		if !ok {
			return
		}
		result, err := h.engine.ExecuteQuery(r.Context(), user, req.DatasetName, library, body)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, result)
	}
}

// DummyQuery runs the same payload against a generated stand-in dataset.
// No budget moves and nothing is archived.
func (h *Handler) DummyQuery(library models.LibraryTag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, req, body, ok := h.parseQuery(w, r)
		if !ok {
			return
		}
		result, err := h.engine.ExecuteDummyQuery(
			r.Context(), user, req.DatasetName, library, body, req.DummyRows, req.DummySeed)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, result)
	}
}

// EstimateCost measures the (epsilon, delta) a payload would cost.
func (h *Handler) EstimateCost(library models.LibraryTag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, req, body, ok := h.parseQuery(w, r)
		if !ok {
			return
		}
		cost, err := h.engine.EstimateCost(r.Context(), user, req.DatasetName, library, body)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]float64{
			"epsilon_cost": cost.Epsilon,
			"delta_cost":   cost.Delta,
		})
	}
}
