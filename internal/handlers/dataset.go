package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dpserve/dpserve/internal/errs"
	"github.com/dpserve/dpserve/internal/middleware"
	"github.com/dpserve/dpserve/internal/services/dummy"
)

func (h *Handler) GetDatasetMetadata(w http.ResponseWriter, r *http.Request) {
	user, dataset, ok := h.parseDataset(w, r)
	if !ok {
		return
	}
	meta, err := h.engine.DatasetMetadata(r.Context(), user, dataset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, meta)
}

type dummyDatasetRequest struct {
	DatasetName string `json:"dataset_name"`
	DummyRows   int    `json:"dummy_nb_rows"`
	DummySeed   int64  `json:"dummy_seed"`
}

// GetDummyDataset returns a deterministic synthetic frame shaped like the
// dataset. The same (dataset, rows, seed) always yields the same frame.
func (h *Handler) GetDummyDataset(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == "" {
		h.writeError(w, errs.Unauthorized("no authenticated user"))
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req dummyDatasetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errs.InvalidQuery("malformed request body: %v", err))
		return
	}
	if req.DatasetName == "" {
		h.writeError(w, errs.InvalidQuery("dataset_name is required"))
		return
	}
	if req.DummyRows == 0 {
		req.DummyRows = dummy.DefaultRows
	}
	if req.DummySeed == 0 {
		req.DummySeed = dummy.DefaultSeed
	}

	frame, err := h.engine.DummyDataset(r.Context(), user, req.DatasetName, req.DummyRows, req.DummySeed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"dataset_name": req.DatasetName,
		"dummy_dict":   frame,
	})
}
