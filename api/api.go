// Package api exposes the validation and admin operations over HTTP.
// The handlers are thin: decode, call into validate, encode. All
// domain behavior lives behind the validate.Handler.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/otpd/otpd/validate"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	handler *validate.Handler
	log     *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request-level events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.log = logger
	}
}

// New creates a new API instance.
func New(handler *validate.Handler, opts ...Option) *API {
	a := &API{handler: handler}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/validate/check", a.Check)
	r.Post("/validate/check_s", a.CheckSerial)
	r.Post("/validate/check_t", a.CheckTransaction)
	r.Get("/validate/check_status", a.CheckStatus)
	r.Post("/validate/pair", a.Pair)

	r.Post("/admin/init", a.Enroll)
	r.Post("/admin/resync", a.Resync)
	r.Post("/admin/unpair", a.Unpair)

	return r
}
