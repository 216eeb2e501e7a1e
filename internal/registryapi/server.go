// Package registryapi serves the IS-04 Registration and Query APIs of one
// mock registry instance.
package registryapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// exposedHeaders are readable by browser clients of the Query API.
var exposedHeaders = strings.Join([]string{
	"Content-Length", "Link", "Server-Timing", "Timing-Allow-Origin", "Vary",
	"X-Paging-Limit", "X-Paging-Since", "X-Paging-Until",
}, ", ")

// Server is the HTTP front end of a registry.
type Server struct {
	log      zerolog.Logger
	registry *registry.Registry
	auth     *auth.Verifier
	metrics  http.Handler
	router   *chi.Mux
}

// Options configures a Server.
type Options struct {
	Auth    *auth.Verifier // nil disables authorization
	Metrics http.Handler   // served on /metrics when set
}

// New creates the server for reg.
func New(log zerolog.Logger, reg *registry.Registry, opts Options) *Server {
	verifier := opts.Auth
	if verifier == nil {
		verifier = auth.Disabled()
	}

	s := &Server{
		log:      log.With().Str("component", "registryapi").Int("port", reg.Port()).Logger(),
		registry: reg,
		auth:     verifier,
		metrics:  opts.Metrics,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors)

	r.Get("/", s.handleRoot)
	r.Get("/x-nmos", s.handleXNMOS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/x-nmos/registration/{api}", func(r chi.Router) {
		r.Use(apiVersion)
		r.Use(s.auth.Middleware(auth.ScopeRegistration, writeAuthError))

		r.Get("/", s.handleRegistrationBase)
		r.Post("/resource", s.handlePostResource)
		r.Delete("/resource/{type}/{id}", s.handleDeleteResource)
		r.Post("/health/nodes/{id}", s.handleHeartbeat)
	})

	r.Route("/x-nmos/query/{api}", func(r chi.Router) {
		r.Use(apiVersion)
		r.Use(s.auth.Middleware(auth.ScopeQuery, writeAuthError))

		r.Get("/", s.handleQueryBase)
		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handlePostSubscription)
		r.Get("/subscriptions/{id}", s.handleGetSubscription)
		r.Delete("/subscriptions/{id}", s.handleDeleteSubscription)
		r.Get("/{type}", s.handleListResources)
		r.Get("/{type}/{id}", s.handleGetResource)
	})

	s.router = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// cors allows any origin, as browser-based controllers query the mocks.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", exposedHeaders)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiKey struct{}

// apiVersion parses the {api} URL parameter. Unknown versions are 404.
func apiVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api, err := version.ParseAPI(chi.URLParam(r, "api"))
		if err != nil || api.Major != 1 || version.CompareAPI(api, version.V1_3) > 0 {
			writeJSON(w, http.StatusNotFound, errorBody{Code: http.StatusNotFound, Error: "unsupported API version"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKey{}, api)))
	})
}

func apiFrom(r *http.Request) version.API {
	api, _ := r.Context().Value(apiKey{}).(version.API)
	return api
}

func writeAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	WriteError(w, err)
}
