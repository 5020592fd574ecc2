package api

import (
	"encoding/json"
	"net/http"

	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/septivank/greenhouse-controller/internal/service"
	"go.uber.org/zap"
)

type okResponse struct {
	OK bool `json:"ok"`
}

// Health reports whether the store is reachable
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		loggerFrom(r).Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, okResponse{OK: false})
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}

// ControlStatus returns the auto-control loop counters
func (h *Handler) ControlStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.loop.Stats())
}

// IngestReading accepts a partial reading from the sensing device
func (h *Handler) IngestReading(w http.ResponseWriter, r *http.Request) {
	var reading service.Reading
	if err := decodeJSON(r, &reading); err != nil {
		respondWithError(w, r, err)
		return
	}

	if _, err := h.ingest.Ingest(r.Context(), reading); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}

// LatestSnapshot returns the newest snapshot, or {} when none exists
func (h *Handler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := repository.RetryRead(r.Context(), h.store.LatestSnapshot)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondWithJSON(w, http.StatusOK, struct{}{})
			return
		}
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

// ListActuators returns every device
func (h *Handler) ListActuators(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, devices)
}

// ToggleActuator flips a device's state
func (h *Handler) ToggleActuator(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	device, err := h.registry.Toggle(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

// SetActuatorState drives a device to the requested state
func (h *Handler) SetActuatorState(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var body struct {
		IsActive json.RawMessage `json:"isActive"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	var desired *bool
	if len(body.IsActive) == 0 || json.Unmarshal(body.IsActive, &desired) != nil || desired == nil {
		respondWithError(w, r, apperrors.NewValidationError("isActive (boolean) required", nil))
		return
	}

	device, err := h.registry.SetState(r.Context(), id, *desired, events.CauseManual)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}
