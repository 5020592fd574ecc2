package api

import (
	"net/http"

	"github.com/septivank/greenhouse-controller/internal/actuator"
)

type deviceRequest struct {
	Name     *string `json:"name"`
	Type     *string `json:"type"`
	Pin      *int    `json:"pin"`
	IsActive *bool   `json:"isActive"`
}

// CreateDevice provisions a device; it always starts off
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	in := actuator.NewDevice{Pin: req.Pin}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Type != nil {
		in.Type = *req.Type
	}

	device, err := h.registry.Create(r.Context(), in)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	device, err := h.registry.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

// UpdateDevice applies the fields present in the body
func (h *Handler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	device, err := h.registry.Update(r.Context(), id, actuator.DevicePatch{
		Name:     req.Name,
		Type:     req.Type,
		Pin:      req.Pin,
		IsActive: req.IsActive,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

// DeleteDevice removes a device unless an enabled rule still drives it
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.registry.Delete(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}
