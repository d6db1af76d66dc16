package handlers

import (
	"net/http"
	"os"
	"sync/atomic"
)

// Mode is the daemon's health state, per spec.md §4.6/§7: "ok" under normal
// operation, "recovery" when state load failed but journal-only writes are
// still possible, "read_only" when even that failed. cmd/serve.go sets this
// once at startup; handlers only read it.
type Mode string

const (
	ModeOK       Mode = "ok"
	ModeRecovery Mode = "recovery"
	ModeReadOnly Mode = "read_only"
)

var currentMode atomic.Value

func init() {
	currentMode.Store(ModeOK)
}

// SetMode updates the daemon-wide health mode.
func SetMode(m Mode) {
	currentMode.Store(m)
}

// GetMode returns the current health mode.
func GetMode() Mode {
	return currentMode.Load().(Mode)
}

// HealthHandler serves GET /health: 200 unless read-only, per spec.md §6.
type HealthHandler struct {
	BaseHandler
	Version string
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{Version: version}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	mode := GetMode()
	code := http.StatusOK
	if mode == ModeReadOnly {
		code = http.StatusServiceUnavailable
	}
	h.respondWithJSON(w, code, map[string]interface{}{
		"status":  mode,
		"pid":     os.Getpid(),
		"version": h.Version,
	})
}
