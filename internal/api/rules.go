package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/repository"
)

// ruleRequest accepts metricType or its older alias type. Absent fields
// keep their stored value on update.
type ruleRequest struct {
	Name          *string  `json:"name"`
	MetricType    *string  `json:"metricType"`
	Type          *string  `json:"type"`
	ThresholdLow  *float64 `json:"thresholdLow"`
	ThresholdHigh *float64 `json:"thresholdHigh"`
	ActuatorID    *string  `json:"actuatorId"`
	Enabled       *bool    `json:"enabled"`
}

func (req ruleRequest) metric() *string {
	if req.MetricType != nil {
		return req.MetricType
	}
	return req.Type
}

// apply merges the request onto rule and validates the result
func (req ruleRequest) apply(rule *db.Rule) error {
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if m := req.metric(); m != nil {
		rule.MetricType = db.MetricType(*m)
	}
	if req.ThresholdLow != nil {
		rule.ThresholdLow = req.ThresholdLow
	}
	if req.ThresholdHigh != nil {
		rule.ThresholdHigh = req.ThresholdHigh
	}
	if req.ActuatorID != nil {
		id, err := uuid.Parse(*req.ActuatorID)
		if err != nil {
			return apperrors.NewValidationError("malformed actuatorId", err)
		}
		rule.ActuatorID = id
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if strings.TrimSpace(rule.Name) == "" {
		return apperrors.NewValidationError("name must not be empty", nil)
	}
	if !rule.MetricType.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown metricType %q", rule.MetricType), nil)
	}
	return nil
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := repository.RetryRead(r.Context(), h.store.ListRules)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rules)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	rule, err := h.getRule(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (h *Handler) getRule(ctx context.Context, id uuid.UUID) (*db.Rule, error) {
	return repository.RetryRead(ctx, func(ctx context.Context) (*db.Rule, error) {
		return h.store.GetRule(ctx, id)
	})
}

// CreateRule adds a rule. It is enabled unless the body says otherwise.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Name == nil || req.metric() == nil || req.ActuatorID == nil {
		respondWithError(w, r, apperrors.NewValidationError("name, metricType, actuatorId required", nil))
		return
	}

	rule := db.Rule{ID: uuid.New(), Enabled: true, CreatedAt: time.Now().UTC()}
	if err := req.apply(&rule); err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.CreateRule(r.Context(), &rule); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	rule, err := h.getRule(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := req.apply(rule); err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.UpdateRule(r.Context(), rule); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rule)
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := h.store.DeleteRule(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, okResponse{OK: true})
}
