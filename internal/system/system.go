// Package system implements the pool of mock IS-09 System API servers.
package system

import (
	"encoding/json"
	"maps"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// DefaultSize is the number of mock systems: 0 serves invalid-request
// tests, 1 is the primary and the rest are failover targets.
const DefaultSize = 6

// Port returns the port of system i for a port base.
func Port(portBase, i int) int {
	return portBase + 300 + i + 1
}

// globalConfig is the fixed body of /global.
var globalConfig = map[string]any{
	"id":          "3b8be755-08ff-452b-b217-c9151eb21193",
	"version":     "1441700172:318426300",
	"label":       "ZBQ System",
	"description": "System Global Information for ZBQ",
	"tags":        map[string]any{},
	"is04": map[string]any{
		"heartbeat_interval": 8,
	},
	"ptp": map[string]any{
		"announce_receipt_timeout": 2,
		"domain_number":            57,
	},
	"syslogv2": map[string]any{
		"hostname": "biglogger.ebu.ch",
		"port":     3477,
	},
}

// System is one mock System API.
type System struct {
	log  zerolog.Logger
	port int

	mu       sync.Mutex
	enabled  bool
	requests map[string]string // client address -> requested API version
}

// New creates a disabled system listening on port.
func New(log zerolog.Logger, port int) *System {
	return &System{
		log:      log.With().Str("component", "system").Int("port", port).Logger(),
		port:     port,
		requests: make(map[string]string),
	}
}

func (s *System) Port() int { return s.port }

func (s *System) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	s.log.Info().Msg("system enabled")
}

func (s *System) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	s.log.Info().Msg("system disabled")
}

func (s *System) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Reset disables the system and forgets recorded requests.
func (s *System) Reset() {
	s.mu.Lock()
	s.enabled = false
	s.requests = make(map[string]string)
	s.mu.Unlock()
}

// Requests returns the API version last requested by each client address.
func (s *System) Requests() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.requests)
}

// Router returns the System API handler.
func (s *System) Router(verifier *auth.Verifier) http.Handler {
	if verifier == nil {
		verifier = auth.Disabled()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/x-nmos/system/{api}", func(r chi.Router) {
		r.Use(s.available)
		r.Use(verifier.Middleware(auth.ScopeSystem, writeAuthError))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []string{"global/"})
		})
		r.Get("/global", s.handleGlobal)
	})
	return r
}

// available rejects requests while disabled and for malformed versions.
func (s *System) available(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			writeError(w, http.StatusServiceUnavailable, "system disabled")
			return
		}
		if _, err := version.ParseAPI(chi.URLParam(r, "api")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *System) handleGlobal(w http.ResponseWriter, r *http.Request) {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	api := chi.URLParam(r, "api")

	s.mu.Lock()
	s.requests[addr] = api
	s.mu.Unlock()

	s.log.Debug().Str("client", addr).Str("api", api).Msg("global configuration requested")
	writeJSON(w, http.StatusOK, globalConfig)
}

func writeAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, auth.StatusCode(err), err.Error())
}

func writeError(w http.ResponseWriter, code int, debug string) {
	writeJSON(w, code, map[string]any{"code": code, "error": http.StatusText(code), "debug": debug})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Pool is the fixed set of mock systems.
type Pool struct {
	systems []*System
}

// NewPool creates size disabled systems.
func NewPool(log zerolog.Logger, size, portBase int) *Pool {
	p := &Pool{systems: make([]*System, size)}
	for i := range p.systems {
		p.systems[i] = New(log, Port(portBase, i))
	}
	return p
}

func (p *Pool) Len() int { return len(p.systems) }

// System returns system i or nil when out of range.
func (p *Pool) System(i int) *System {
	if i < 0 || i >= len(p.systems) {
		return nil
	}
	return p.systems[i]
}

func (p *Pool) Systems() []*System {
	return append([]*System(nil), p.systems...)
}
