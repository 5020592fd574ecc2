package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/repository"
)

type plantRequest struct {
	Name                 *string  `json:"name"`
	IdealTempMin         *float64 `json:"idealTempMin"`
	IdealTempMax         *float64 `json:"idealTempMax"`
	IdealHumidityMin     *float64 `json:"idealHumidityMin"`
	IdealHumidityMax     *float64 `json:"idealHumidityMax"`
	IdealSoilMoistureMin *float64 `json:"idealSoilMoistureMin"`
	IdealSoilMoistureMax *float64 `json:"idealSoilMoistureMax"`
}

func (req plantRequest) apply(p *db.Plant) error {
	if req.Name != nil {
		p.Name = *req.Name
	}
	for _, f := range []struct {
		src *float64
		dst **float64
	}{
		{req.IdealTempMin, &p.IdealTempMin},
		{req.IdealTempMax, &p.IdealTempMax},
		{req.IdealHumidityMin, &p.IdealHumidityMin},
		{req.IdealHumidityMax, &p.IdealHumidityMax},
		{req.IdealSoilMoistureMin, &p.IdealSoilMoistureMin},
		{req.IdealSoilMoistureMax, &p.IdealSoilMoistureMax},
	} {
		if f.src != nil {
			*f.dst = f.src
		}
	}

	if strings.TrimSpace(p.Name) == "" {
		return apperrors.NewValidationError("name required", nil)
	}
	return nil
}

func (h *Handler) ListPlants(w http.ResponseWriter, r *http.Request) {
	plants, err := repository.RetryRead(r.Context(), h.store.ListPlants)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plants)
}

func (h *Handler) GetPlant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	plant, err := h.getPlant(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plant)
}

func (h *Handler) getPlant(ctx context.Context, id uuid.UUID) (*db.Plant, error) {
	return repository.RetryRead(ctx, func(ctx context.Context) (*db.Plant, error) {
		return h.store.GetPlant(ctx, id)
	})
}

func (h *Handler) CreatePlant(w http.ResponseWriter, r *http.Request) {
	var req plantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	plant := db.Plant{ID: uuid.New(), CreatedAt: time.Now().UTC()}
	if err := req.apply(&plant); err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.CreatePlant(r.Context(), &plant); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plant)
}

func (h *Handler) UpdatePlant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req plantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	plant, err := h.getPlant(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := req.apply(plant); err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.UpdatePlant(r.Context(), plant); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, plant)
}

func (h *Handler) DeletePlant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.DeletePlant(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}
