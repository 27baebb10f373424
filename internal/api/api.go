// Package api exposes the facade operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"memtriage/internal/facade"
	"memtriage/internal/fault"
	"memtriage/internal/store"
	"memtriage/pkg/db"
)

const readTimeout = 10 * time.Second

// StatsFunc reports store volume for the stats endpoint. Nil disables it.
type StatsFunc func(context.Context) (db.Stats, error)

// API wires the facade behind HTTP handlers.
type API struct {
	facade *facade.Facade
	stats  StatsFunc
}

// New initialises the API layer.
func New(f *facade.Facade, stats StatsFunc) (*API, error) {
	if f == nil {
		return nil, errors.New("facade is required")
	}
	return &API{facade: f, stats: stats}, nil
}

// Routes constructs the chi router containing all endpoints. Processing
// requests are exempt from the read timeout; an analysis can run for
// minutes.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/statsz", a.handleStats)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dumps/process", a.handleProcessDump)
		r.Get("/dumps", a.handleListDumps)
		r.Route("/dumps/{dumpID}", func(r chi.Router) {
			r.Get("/", a.handleDumpInfo)
			r.Get("/anomalies", a.handleAnomalies)
			r.Get("/timeline", a.handleTimeline)
			r.Get("/tree", a.handleProcessTree)
			r.Get("/process/{pid}", a.handleProcessDetail)
			r.Get("/network", a.handleNetwork)
			r.Get("/hidden", a.handleHidden)
			r.Get("/injections", a.handleInjections)
			r.Get("/provenance", a.handleProvenance)
		})
	})

	return r, nil
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

// statusFor maps the error taxonomy onto HTTP statuses. Raw engine output
// never reaches callers; the fault message is all they see.
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	switch fault.KindOf(err) {
	case fault.KindInput:
		return http.StatusBadRequest
	case fault.KindProfile:
		return http.StatusUnprocessableEntity
	case fault.KindConcurrencyTimeout:
		return http.StatusTooManyRequests
	case fault.KindEngineTransient:
		return http.StatusServiceUnavailable
	case fault.KindEngineTerminal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, readTimeout)
}
