package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/middleware"
)

type datasetRequest struct {
	DatasetName string `json:"dataset_name"`
}

func (h *Handler) parseDataset(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		h.writeError(w, errs.Unauthorized("no authenticated user"))
		return "", "", false
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return "", "", false
	}
	var req datasetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errs.InvalidQuery("malformed request body: %v", err))
		return "", "", false
	}
	if req.DatasetName == "" {
		h.writeError(w, errs.InvalidQuery("dataset_name is required"))
		return "", "", false
	}
	return user, req.DatasetName, true
}

func (h *Handler) GetInitialBudget(w http.ResponseWriter, r *http.Request) {
	user, dataset, ok := h.parseDataset(w, r)
	if !ok {
		return
	}
	entry, err := h.engine.Budget(r.Context(), user, dataset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]float64{
		"initial_epsilon": entry.InitialEpsilon,
		"initial_delta":   entry.InitialDelta,
	})
}

func (h *Handler) GetTotalSpentBudget(w http.ResponseWriter, r *http.Request) {
	user, dataset, ok := h.parseDataset(w, r)
	if !ok {
		return
	}
	entry, err := h.engine.Budget(r.Context(), user, dataset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]float64{
		"total_spent_epsilon": entry.SpentEpsilon,
		"total_spent_delta":   entry.SpentDelta,
	})
}

func (h *Handler) GetRemainingBudget(w http.ResponseWriter, r *http.Request) {
	user, dataset, ok := h.parseDataset(w, r)
	if !ok {
		return
	}
	entry, err := h.engine.Budget(r.Context(), user, dataset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	remaining := entry.Remaining()
	h.writeJSON(w, http.StatusOK, map[string]float64{
		"remaining_epsilon": remaining.Epsilon,
		"remaining_delta":   remaining.Delta,
	})
}

// GetPreviousQueries returns the caller's archived queries, oldest first.
// dataset_name is optional: when absent, archives across every dataset the
// caller has queried are returned.
func (h *Handler) GetPreviousQueries(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		h.writeError(w, errs.Unauthorized("no authenticated user"))
		return
	}

	var req datasetRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, errs.InvalidQuery("could not read request body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, errs.InvalidQuery("malformed request body: %v", err))
			return
		}
	}

	archives, err := h.engine.Archives(r.Context(), user, req.DatasetName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"previous_queries": archives,
	})
}
