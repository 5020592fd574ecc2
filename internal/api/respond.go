package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      apperrors.Kind `json:"kind"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// respondWithError maps err to its HTTP status. Unclassified errors are
// reported as internal without leaking their text.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.NewInternalError("internal error", err)
	}

	logger := loggerFrom(r)
	if appErr.Code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Error(err))
	}

	respondWithJSON(w, appErr.Code, errorBody{Error: errorDetail{
		Kind:      appErr.Kind,
		Message:   appErr.Message,
		RequestID: requestIDFrom(r),
	}})
}

// decodeJSON reads the request body into dst
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apperrors.Error{
				Kind:    apperrors.KindValidation,
				Message: "request body too large",
				Code:    http.StatusRequestEntityTooLarge,
			}
		}
		return apperrors.NewValidationError("invalid request body", err)
	}
	return nil
}

// pathID parses the {id} route variable
func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError("malformed id", err)
	}
	return id, nil
}
