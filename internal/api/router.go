// Package api exposes the controller over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/septivank/greenhouse-controller/internal/actuator"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/control"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/septivank/greenhouse-controller/internal/service"
	"go.uber.org/zap"
)

// Handler holds the collaborators behind the HTTP endpoints
type Handler struct {
	store    repository.Store
	registry *actuator.Registry
	ingest   *service.IngestService
	loop     *control.Loop
}

// NewHandler creates the endpoint handlers
func NewHandler(store repository.Store, registry *actuator.Registry, ingest *service.IngestService, loop *control.Loop) *Handler {
	return &Handler{store: store, registry: registry, ingest: ingest, loop: loop}
}

// NewRouter wires every route and the middleware chain. ws serves the
// viewer push channel at /ws.
func NewRouter(h *Handler, ws http.Handler, cfg config.HTTPConfig, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/control/status", h.ControlStatus).Methods(http.MethodGet)

	// Sensors
	sensors := api.PathPrefix("/sensors").Subrouter()
	sensors.HandleFunc("/ingest", h.IngestReading).Methods(http.MethodPost)
	sensors.HandleFunc("/latest", h.LatestSnapshot).Methods(http.MethodGet)

	// Actuators
	actuators := api.PathPrefix("/actuators").Subrouter()
	actuators.HandleFunc("", h.ListActuators).Methods(http.MethodGet)
	actuators.HandleFunc("/{id}/toggle", h.ToggleActuator).Methods(http.MethodPost)
	actuators.HandleFunc("/{id}/state", h.SetActuatorState).Methods(http.MethodPost)

	// Devices
	devices := api.PathPrefix("/devices").Subrouter()
	devices.HandleFunc("", h.ListActuators).Methods(http.MethodGet)
	devices.HandleFunc("", h.CreateDevice).Methods(http.MethodPost)
	devices.HandleFunc("/{id}", h.GetDevice).Methods(http.MethodGet)
	devices.HandleFunc("/{id}", h.UpdateDevice).Methods(http.MethodPut)
	devices.HandleFunc("/{id}", h.DeleteDevice).Methods(http.MethodDelete)

	// Rules
	rules := api.PathPrefix("/rules").Subrouter()
	rules.HandleFunc("", h.ListRules).Methods(http.MethodGet)
	rules.HandleFunc("", h.CreateRule).Methods(http.MethodPost)
	rules.HandleFunc("/{id}", h.GetRule).Methods(http.MethodGet)
	rules.HandleFunc("/{id}", h.UpdateRule).Methods(http.MethodPut)
	rules.HandleFunc("/{id}", h.DeleteRule).Methods(http.MethodDelete)

	// Plants
	plants := api.PathPrefix("/plants").Subrouter()
	plants.HandleFunc("", h.ListPlants).Methods(http.MethodGet)
	plants.HandleFunc("", h.CreatePlant).Methods(http.MethodPost)
	plants.HandleFunc("/{id}", h.GetPlant).Methods(http.MethodGet)
	plants.HandleFunc("/{id}", h.UpdatePlant).Methods(http.MethodPut)
	plants.HandleFunc("/{id}", h.DeletePlant).Methods(http.MethodDelete)

	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	handler = limitBody(cfg.MaxBodyBytes)(handler)
	handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: logger}),
		handlers.PrintRecoveryStack(false),
	)(handler)
	if cfg.RateLimitPerMinute > 0 {
		handler = rateLimit(cfg.RateLimitPerMinute)(handler)
	}
	handler = handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
	)(handler)
	if cfg.SecurityHeaders {
		handler = securityHeaders(handler)
	}
	handler = requestLogger(logger.Named("http"))(handler)
	return handler
}
