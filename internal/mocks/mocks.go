// Package mocks assembles the mock servers from a configuration and runs
// them: the registry pool, the mock node, the mock systems and the control
// API.
package mocks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/config"
	"github.com/markus-barta/nmosmocks/internal/control"
	"github.com/markus-barta/nmosmocks/internal/journal"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/node"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/registryapi"
	"github.com/markus-barta/nmosmocks/internal/system"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// subscriptionPortOffset places subscription sockets above every API port.
const subscriptionPortOffset = 400

const shutdownTimeout = 5 * time.Second

// Mocks is the full set of mock servers.
type Mocks struct {
	cfg *config.Config
	log zerolog.Logger
	db  *sql.DB
	tls *tls.Config

	Registries *registry.Pool
	Systems    *system.Pool
	Node       *node.Node

	verifier *auth.Verifier
	gatherer prometheus.Gatherer
	control  *control.Server
	apis     []*registryapi.Server
}

// New builds every mock from cfg. Nothing listens until Run.
func New(cfg *config.Config, log zerolog.Logger) (*Mocks, error) {
	m := &Mocks{cfg: cfg, log: log.With().Str("component", "mocks").Logger()}

	if cfg.EnableHTTPS {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		m.tls = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	verifier := auth.Disabled()
	if cfg.EnableAuth {
		key, err := auth.LoadPublicKey(cfg.AuthPublicKey)
		if err != nil {
			return nil, err
		}
		if verifier, err = auth.NewVerifier(auth.Config{Enabled: true, PublicKey: key, Issuer: cfg.AuthIssuer}); err != nil {
			return nil, err
		}
	}
	m.verifier = verifier

	reg := prometheus.NewRegistry()
	instruments := metrics.New()
	if err := instruments.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	m.gatherer = reg

	db, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	m.db = db

	common := registry.NewCommon(log, registry.StreamConfig{
		Host:         cfg.Host,
		BindAddr:     cfg.BindAddr,
		PortBase:     cfg.PortBase + subscriptionPortOffset,
		TLS:          m.tls,
		CloseTimeout: cfg.WSMessageTimeout,
	}, instruments)
	m.Registries = registry.NewPool(log, common, journal.New(log, db), instruments, registry.PoolOptions{
		Size:        cfg.NumRegistries,
		PortBase:    cfg.PortBase,
		PagingLimit: cfg.PagingLimit,
	})
	metricsHandler := metrics.Handler(reg)
	for _, r := range m.Registries.Registries() {
		m.apis = append(m.apis, registryapi.New(log, r, registryapi.Options{Auth: verifier, Metrics: metricsHandler}))
	}

	syncer, err := m.newSyncer()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m.Node = node.New(log, node.Options{
		Host:        cfg.Host,
		Port:        node.Port(cfg.PortBase),
		Secure:      cfg.EnableHTTPS,
		SDP:         cfg.SDP,
		SyncTimeout: cfg.HTTPTimeout,
	}, syncer, instruments)

	m.Systems = system.NewPool(log, cfg.NumSystems, cfg.PortBase)
	m.control = control.New(log, m.Registries, m.Systems, m.Node, control.NewAuthenticator(cfg.Control))

	if !cfg.Control.HasPassword() {
		m.log.Warn().Msg("control API has no password, anyone can reset the mocks")
	}
	return m, nil
}

// newSyncer points the mock node at its registry, trusting the mocks'
// certificate when TLS is enabled.
func (m *Mocks) newSyncer() (*node.HTTPSyncer, error) {
	port := registry.RegistryPort(m.cfg.PortBase, m.cfg.NodeRegistry)
	baseURL := fmt.Sprintf("%s://%s", m.cfg.Scheme(), net.JoinHostPort(m.cfg.Host, strconv.Itoa(port)))
	syncer := node.NewHTTPSyncer(baseURL, version.V1_3, m.cfg.HTTPTimeout)

	if m.cfg.EnableHTTPS {
		pem, err := os.ReadFile(m.cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in " + m.cfg.CertFile)
		}
		syncer.WithTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}
	return syncer, nil
}

// Metrics returns the gatherer behind every /metrics endpoint.
func (m *Mocks) Metrics() prometheus.Gatherer {
	return m.gatherer
}

// RegistryHandler returns the HTTP handler of registry i.
func (m *Mocks) RegistryHandler(i int) http.Handler {
	return m.apis[i].Router()
}

// NodeHandler returns the mock node's HTTP handler.
func (m *Mocks) NodeHandler() http.Handler {
	return m.Node.Router(m.verifier)
}

// SystemHandler returns the HTTP handler of system i.
func (m *Mocks) SystemHandler(i int) http.Handler {
	return m.Systems.System(i).Router(m.verifier)
}

// ControlHandler returns the control API handler.
func (m *Mocks) ControlHandler() http.Handler {
	return m.control.Router()
}

type endpoint struct {
	name    string
	port    int
	handler http.Handler
}

func (m *Mocks) endpoints() []endpoint {
	var eps []endpoint
	for i, r := range m.Registries.Registries() {
		eps = append(eps, endpoint{name: "registry " + strconv.Itoa(i), port: r.Port(), handler: m.RegistryHandler(i)})
	}
	eps = append(eps, endpoint{name: "node", port: node.Port(m.cfg.PortBase), handler: m.NodeHandler()})
	for i, s := range m.Systems.Systems() {
		eps = append(eps, endpoint{name: "system " + strconv.Itoa(i), port: s.Port(), handler: m.SystemHandler(i)})
	}
	eps = append(eps, endpoint{name: "control", port: control.Port(m.cfg.PortBase), handler: m.ControlHandler()})
	return eps
}

// Run serves every mock until ctx is cancelled or a server fails, then
// shuts everything down.
func (m *Mocks) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var servers []*http.Server
	for _, ep := range m.endpoints() {
		ep := ep
		srv := &http.Server{
			Addr:              net.JoinHostPort(m.cfg.BindAddr, strconv.Itoa(ep.port)),
			Handler:           ep.handler,
			TLSConfig:         m.tls,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)

		g.Go(func() error {
			m.log.Info().Str("server", ep.name).Str("addr", srv.Addr).Msg("listening")
			var err error
			if m.tls != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", ep.name, err)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		m.Registries.Close()
		return errors.Join(errs...)
	})

	err := g.Wait()
	if cerr := m.db.Close(); cerr != nil {
		m.log.Warn().Err(cerr).Msg("failed to close journal")
	}
	return err
}
