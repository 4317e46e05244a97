package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"unsub/internal/agent"
)

// Core is the slice of the job manager the callback boundary needs.
type Core interface {
	OnOTPNeeded(ctx context.Context, cb agent.OTPNeeded) error
	OnCredentialNeeded(ctx context.Context, cb agent.CredentialNeeded) error
	OnResult(ctx context.Context, cb agent.Result) error
}

type CallbackHandler struct {
	Core Core
}

func (h *CallbackHandler) OTPNeeded(w http.ResponseWriter, r *http.Request) {
	var cb agent.OTPNeeded
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cb.JobID) == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}
	if err := h.Core.OnOTPNeeded(r.Context(), cb); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallbackHandler) CredentialNeeded(w http.ResponseWriter, r *http.Request) {
	var cb agent.CredentialNeeded
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cb.JobID) == "" || strings.TrimSpace(cb.Name) == "" {
		http.Error(w, "job_id and name required", http.StatusBadRequest)
		return
	}
	if err := h.Core.OnCredentialNeeded(r.Context(), cb); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallbackHandler) Result(w http.ResponseWriter, r *http.Request) {
	var cb agent.Result
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cb.JobID) == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}
	if err := h.Core.OnResult(r.Context(), cb); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
