// Package control serves the admin API a test harness uses to drive the
// mocks: enabling and resetting registries and systems, reading the
// registration journal and creating mock node senders and receivers.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/nmosmocks/internal/node"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/system"
	"github.com/rs/zerolog"
)

// Port returns the control API port for a port base.
func Port(portBase int) int {
	return portBase + 1
}

// maxWait caps the wait endpoints.
const maxWait = 30 * time.Second

// RegistryStatus summarizes one registry of the pool.
type RegistryStatus struct {
	Index            int        `json:"index"`
	Port             int        `json:"port"`
	Enabled          bool       `json:"enabled"`
	HasRegistrations bool       `json:"has_registrations"`
	QueryAPICalled   bool       `json:"query_api_called"`
	LastTime         *time.Time `json:"last_time"`
	LastHeartbeat    *time.Time `json:"last_heartbeat"`
}

// SystemStatus summarizes one mock system.
type SystemStatus struct {
	Index    int               `json:"index"`
	Port     int               `json:"port"`
	Enabled  bool              `json:"enabled"`
	Requests map[string]string `json:"requests"`
}

// Server is the control API.
type Server struct {
	log        zerolog.Logger
	registries *registry.Pool
	systems    *system.Pool
	node       *node.Node
	auth       *Authenticator
	router     *chi.Mux
}

// New creates the control API server. systems and n may be nil.
func New(log zerolog.Logger, registries *registry.Pool, systems *system.Pool, n *node.Node, a *Authenticator) *Server {
	s := &Server{
		log:        log.With().Str("component", "control").Logger(),
		registries: registries,
		systems:    systems,
		node:       n,
		auth:       a,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	if s.auth != nil {
		r.Use(s.auth.Middleware)
	}

	r.Route("/registries", func(r chi.Router) {
		r.Get("/", s.handleListRegistries)
		r.Route("/{index}", func(r chi.Router) {
			r.Get("/", s.handleGetRegistry)
			r.Post("/enable", s.handleEnableRegistry)
			r.Post("/disable", s.handleDisableRegistry)
			r.Post("/reset", s.handleResetRegistry)
			r.Get("/data", s.handleRegistryData)
			r.Get("/wait/{signal}", s.handleWaitRegistry)
		})
	})

	r.Route("/systems", func(r chi.Router) {
		r.Get("/", s.handleListSystems)
		r.Post("/{index}/{action}", s.handleSystemAction)
	})

	r.Route("/node", func(r chi.Router) {
		r.Get("/", s.handleNodeSelf)
		r.Post("/senders", s.handleCreateSender)
		r.Post("/receivers", s.handleCreateReceiver)
	})

	s.router = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registry(w http.ResponseWriter, r *http.Request) (int, *registry.Registry, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "registry index must be a number")
		return 0, nil, false
	}
	reg := s.registries.Registry(i)
	if reg == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no registry %d", i))
		return 0, nil, false
	}
	return i, reg, true
}

func registryStatus(i int, reg *registry.Registry) RegistryStatus {
	st := RegistryStatus{
		Index:            i,
		Port:             reg.Port(),
		Enabled:          reg.Enabled(),
		HasRegistrations: reg.HasRegistrations(),
		QueryAPICalled:   reg.QueryAPICalled(),
	}
	if t := reg.LastTime(); !t.IsZero() {
		st.LastTime = &t
	}
	if t := reg.LastHeartbeat(); !t.IsZero() {
		st.LastHeartbeat = &t
	}
	return st
}

func (s *Server) handleListRegistries(w http.ResponseWriter, r *http.Request) {
	regs := s.registries.Registries()
	out := make([]RegistryStatus, 0, len(regs))
	for i, reg := range regs {
		out = append(out, registryStatus(i, reg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	i, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, registryStatus(i, reg))
}

func (s *Server) handleEnableRegistry(w http.ResponseWriter, r *http.Request) {
	i, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	firstReg := false
	if v := r.URL.Query().Get("first_reg"); v != "" {
		var err error
		if firstReg, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "first_reg must be true or false")
			return
		}
	}
	reg.Enable(firstReg)
	s.log.Info().Int("registry", i).Bool("first_reg", firstReg).Msg("registry enabled via control API")
	writeJSON(w, http.StatusOK, registryStatus(i, reg))
}

func (s *Server) handleDisableRegistry(w http.ResponseWriter, r *http.Request) {
	i, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	reg.Disable()
	writeJSON(w, http.StatusOK, registryStatus(i, reg))
}

func (s *Server) handleResetRegistry(w http.ResponseWriter, r *http.Request) {
	i, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	reg.Reset()
	writeJSON(w, http.StatusOK, registryStatus(i, reg))
}

func (s *Server) handleRegistryData(w http.ResponseWriter, r *http.Request) {
	_, reg, ok := s.registry(w, r)
	if !ok {
		return
	}
	data, err := reg.Data()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read registry journal")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleWaitRegistry blocks until the registry sees a registration or a
// delete, or the timeout query parameter elapses.
func (s *Server) handleWaitRegistry(w http.ResponseWriter, r *http.Request) {
	_, reg, ok := s.registry(w, r)
	if !ok {
		return
	}

	timeout := time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a duration such as 2s")
			return
		}
		timeout = min(d, maxWait)
	}

	var signalled bool
	switch chi.URLParam(r, "signal") {
	case "registration":
		signalled = reg.WaitForRegistration(timeout)
	case "delete":
		signalled = reg.WaitForDelete(timeout)
	default:
		writeError(w, http.StatusNotFound, "signal must be registration or delete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"signalled": signalled})
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	if s.systems == nil {
		writeJSON(w, http.StatusOK, []SystemStatus{})
		return
	}
	systems := s.systems.Systems()
	out := make([]SystemStatus, 0, len(systems))
	for i, sys := range systems {
		out = append(out, SystemStatus{Index: i, Port: sys.Port(), Enabled: sys.Enabled(), Requests: sys.Requests()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSystemAction(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "system index must be a number")
		return
	}
	action := chi.URLParam(r, "action")
	if action != "enable" && action != "disable" && action != "reset" {
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	var sys *system.System
	if s.systems != nil {
		sys = s.systems.System(i)
	}
	if sys == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no system %d", i))
		return
	}

	switch action {
	case "enable":
		sys.Enable()
	case "disable":
		sys.Disable()
	case "reset":
		sys.Reset()
	}
	writeJSON(w, http.StatusOK, SystemStatus{Index: i, Port: sys.Port(), Enabled: sys.Enabled(), Requests: sys.Requests()})
}

type createSenderRequest struct {
	StreamType string `json:"stream_type"`
}

type createReceiverRequest struct {
	Format string `json:"format"`
}

func (s *Server) handleNodeSelf(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusNotFound, "no mock node")
		return
	}
	writeJSON(w, http.StatusOK, s.node.Self())
}

func (s *Server) handleCreateSender(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusNotFound, "no mock node")
		return
	}
	var req createSenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sender, err := s.node.NewSender(req.StreamType)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sender)
}

func (s *Server) handleCreateReceiver(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusNotFound, "no mock node")
		return
	}
	var req createReceiverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receiver, err := s.node.NewReceiver(req.Format)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiver)
}

func writeNodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrBadRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
