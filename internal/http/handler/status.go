package handler

import (
	"encoding/json"
	"net/http"
)

// Dispatcher reports how busy the execution agent is.
type Dispatcher interface {
	InFlight() int
	AgentSlotAvailable() bool
}

type StatusHandler struct {
	Dispatch Dispatcher
	MaxJobs  int
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"in_flight":      h.Dispatch.InFlight(),
		"max_jobs":       h.MaxJobs,
		"slot_available": h.Dispatch.AgentSlotAvailable(),
	})
}
