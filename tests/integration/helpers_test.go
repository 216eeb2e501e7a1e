// Package integration contains end-to-end tests of the mock registries,
// subscriptions and mock node working together over real sockets.
package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/journal"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/node"
	"github.com/markus-barta/nmosmocks/internal/registry"
	"github.com/markus-barta/nmosmocks/internal/registryapi"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// Harness runs a registry pool and a mock node on httptest servers. The
// node syncs activations to registry 1.
type Harness struct {
	t          *testing.T
	Registries *registry.Pool
	servers    []*httptest.Server
	Node       *node.Node
	NodeServer *httptest.Server
	Key        *rsa.PrivateKey // set when auth is enabled
}

type harnessOptions struct {
	size        int
	pagingLimit int
	auth        bool
}

// NewHarness starts everything and registers cleanup with t.
func NewHarness(t *testing.T, opts harnessOptions) *Harness {
	t.Helper()
	if opts.size == 0 {
		opts.size = 3
	}

	db, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	m := metrics.New()
	common := registry.NewCommon(log, registry.StreamConfig{
		Host:         "127.0.0.1",
		BindAddr:     "127.0.0.1",
		CloseTimeout: 500 * time.Millisecond,
	}, m)
	h := &Harness{
		t: t,
		Registries: registry.NewPool(log, common, journal.New(log, db), m, registry.PoolOptions{
			Size:        opts.size,
			PortBase:    5000,
			PagingLimit: opts.pagingLimit,
		}),
	}
	t.Cleanup(h.Registries.Close)

	verifier := auth.Disabled()
	if opts.auth {
		h.Key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		verifier, err = auth.NewVerifier(auth.Config{Enabled: true, PublicKey: &h.Key.PublicKey})
		if err != nil {
			t.Fatalf("verifier: %v", err)
		}
	}

	for _, r := range h.Registries.Registries() {
		srv := httptest.NewServer(registryapi.New(log, r, registryapi.Options{Auth: verifier}).Router())
		t.Cleanup(srv.Close)
		h.servers = append(h.servers, srv)
	}

	syncer := node.NewHTTPSyncer(h.servers[1].URL, version.V1_3, time.Second)
	h.Node = node.New(log, node.Options{Host: "127.0.0.1", Port: 5201}, syncer, m)
	h.NodeServer = httptest.NewServer(h.Node.Router(nil))
	t.Cleanup(h.NodeServer.Close)

	return h
}

// URL returns the base URL of registry i.
func (h *Harness) URL(i int) string {
	return h.servers[i].URL
}

// Token signs a token for clientID with read and write access to every
// registration and query path.
func (h *Harness) Token(clientID string) string {
	h.t.Helper()
	all := &auth.PathClaims{Read: []string{"*"}, Write: []string{"*"}}
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ClientID:     clientID,
		Registration: all,
		Query:        all,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS512, claims).SignedString(h.Key)
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return token
}

// Response is a decoded HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the body into v or fails the test.
func (r Response) JSON(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decode %s: %v", r.Body, err)
	}
}

// Do sends a request with an optional JSON body and Bearer token.
func Do(t *testing.T, method, url, body, token string) Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

// Register POSTs a resource to registry i.
func (h *Harness) Register(i int, api, resourceType string, data map[string]any, token string) Response {
	h.t.Helper()
	body, _ := json.Marshal(map[string]any{"type": resourceType, "data": data})
	return Do(h.t, http.MethodPost, h.URL(i)+"/x-nmos/registration/"+api+"/resource", string(body), token)
}

// Subscriber records the data grains received on a subscription socket.
type Subscriber struct {
	t            *testing.T
	conn         *websocket.Conn
	Subscription registry.Subscription

	mu     sync.Mutex
	grains []registry.Grain
	closed bool
	done   chan struct{}
}

// Subscribe creates a subscription on registry i and connects to it.
func (h *Harness) Subscribe(i int, api, resourcePath string, persist bool) *Subscriber {
	h.t.Helper()
	body, _ := json.Marshal(map[string]any{
		"resource_path":      resourcePath,
		"params":             map[string]any{},
		"persist":            persist,
		"max_update_rate_ms": 100,
		"secure":             false,
	})
	resp := Do(h.t, http.MethodPost, h.URL(i)+"/x-nmos/query/"+api+"/subscriptions", string(body), "")
	if resp.Status != http.StatusCreated && resp.Status != http.StatusOK {
		h.t.Fatalf("create subscription: %d %s", resp.Status, resp.Body)
	}

	s := &Subscriber{t: h.t, done: make(chan struct{})}
	resp.JSON(h.t, &s.Subscription)
	s.connect()
	return s
}

func (s *Subscriber) connect() {
	s.t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(s.Subscription.WSHref, nil)
	if err != nil {
		s.t.Fatalf("dial %s: %v", s.Subscription.WSHref, err)
	}
	s.conn = conn
	s.t.Cleanup(func() { _ = conn.Close() })

	go func() {
		defer close(s.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				return
			}
			var g registry.Grain
			if err := json.Unmarshal(data, &g); err != nil {
				s.t.Logf("failed to parse grain: %v", err)
				continue
			}
			s.mu.Lock()
			s.grains = append(s.grains, g)
			s.mu.Unlock()
		}
	}()
}

// Grains returns every grain received so far.
func (s *Subscriber) Grains() []registry.Grain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Grain{}, s.grains...)
}

// WaitForGrain waits for a grain satisfying match.
func (s *Subscriber) WaitForGrain(ctx context.Context, match func(registry.Grain) bool) (*registry.Grain, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, g := range s.Grains() {
			if match(g) {
				return &g, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitClosed waits for the server to close the socket.
func (s *Subscriber) WaitClosed(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// isSync reports whether g is the snapshot sent on connect.
func isSync(g registry.Grain) bool {
	for _, c := range g.Grain.Data {
		if c.Pre == nil || c.Post == nil {
			return false
		}
	}
	return true
}

// changeFor returns a grain matcher for a change of the resource id with the
// given presence of pre and post.
func changeFor(id string, hasPre, hasPost bool) func(registry.Grain) bool {
	return func(g registry.Grain) bool {
		for _, c := range g.Grain.Data {
			if !strings.HasSuffix(c.Path, id) {
				continue
			}
			if (c.Pre != nil) == hasPre && (c.Post != nil) == hasPost {
				return true
			}
		}
		return false
	}
}

func nodeDoc(id, v string) map[string]any {
	return map[string]any{
		"id":          id,
		"version":     v,
		"label":       "node " + id,
		"description": "integration node",
		"tags":        map[string]any{},
		"href":        "http://127.0.0.1:9999/",
		"hostname":    "test-host",
		"caps":        map[string]any{},
		"api": map[string]any{
			"versions":  []string{"v1.3"},
			"endpoints": []map[string]any{{"host": "127.0.0.1", "port": 9999, "protocol": "http"}},
		},
		"services":   []any{},
		"clocks":     []any{},
		"interfaces": []any{},
	}
}
