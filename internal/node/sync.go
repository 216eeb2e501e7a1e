package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

// Syncer pushes an updated resource to a registry.
type Syncer interface {
	Sync(ctx context.Context, t resource.Type, doc map[string]any) error
}

// HTTPSyncer registers resources over the IS-04 Registration API.
type HTTPSyncer struct {
	baseURL    string
	api        version.API
	token      string
	httpClient *http.Client
}

// NewHTTPSyncer creates a syncer for the registry at baseURL, e.g.
// "http://127.0.0.1:5102".
func NewHTTPSyncer(baseURL string, api version.API, timeout time.Duration) *HTTPSyncer {
	return &HTTPSyncer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		api:     api,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithToken sets the Bearer token sent with every registration.
func (s *HTTPSyncer) WithToken(token string) *HTTPSyncer {
	s.token = token
	return s
}

// WithTLSConfig sets the client TLS configuration, e.g. to trust the mocks'
// own certificate.
func (s *HTTPSyncer) WithTLSConfig(cfg *tls.Config) *HTTPSyncer {
	s.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	return s
}

// Sync POSTs doc as a resource of type t.
func (s *HTTPSyncer) Sync(ctx context.Context, t resource.Type, doc map[string]any) error {
	body, err := json.Marshal(map[string]any{"type": t.String(), "data": doc})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/x-nmos/registration/%s/resource", s.baseURL, s.api)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
