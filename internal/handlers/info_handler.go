package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/gflowd/gflowd/internal/runtime"
	"github.com/gflowd/gflowd/internal/scheduler"
)

// InfoHandler serves GET /info, POST /gpus and POST /groups/:group_id/max_concurrent.
type InfoHandler struct {
	BaseHandler
	rt *runtime.Runtime
}

func NewInfoHandler(rt *runtime.Runtime) *InfoHandler {
	return &InfoHandler{rt: rt}
}

// Info handles GET /info.
func (h *InfoHandler) Info(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"gpus":                h.rt.GpuSlots(),
		"allowed_gpu_indices": h.rt.AllowedGPUIndices(),
		"total_memory_mb":     h.rt.TotalMemoryMB(),
		"available_memory_mb": h.rt.AvailableMemoryMB(),
	})
}

type allowedIndicesRequest struct {
	AllowedIndices *[]uint32 `json:"allowed_indices"`
}

// SetAllowedGPUs handles POST /gpus: body {allowed_indices: [u32]|null}.
func (h *InfoHandler) SetAllowedGPUs(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	var req allowedIndicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	var indices []uint32
	if req.AllowedIndices != nil {
		indices = *req.AllowedIndices
	}
	known := make(map[uint32]bool)
	for _, slot := range h.rt.GpuSlots() {
		known[slot.Index] = true
	}
	for _, idx := range indices {
		if !known[idx] {
			h.respondWithError(w, scheduler.ErrInvalidInput)
			return
		}
	}
	h.rt.SetAllowedGPUs(indices)
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"allowed_indices": indices})
}

type maxConcurrentRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// SetGroupMaxConcurrent handles POST /groups/:group_id/max_concurrent.
func (h *InfoHandler) SetGroupMaxConcurrent(w http.ResponseWriter, r *http.Request) {
	if !writableOrReject(w) {
		return
	}
	groupID, err := uuid.Parse(h.getID(r, "group_id"))
	if err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	var req maxConcurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, scheduler.ErrInvalidInput)
		return
	}
	h.rt.SetMaxConcurrent(groupID, req.MaxConcurrent)
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"group_id": groupID, "max_concurrent": req.MaxConcurrent})
}
