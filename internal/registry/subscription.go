package registry

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/markus-barta/nmosmocks/internal/eventstream"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

var validate = validator.New()

// SubscriptionRequest is the body of POST /subscriptions.
type SubscriptionRequest struct {
	ResourcePath    string         `json:"resource_path" validate:"required,startswith=/"`
	Params          map[string]any `json:"params"`
	Persist         *bool          `json:"persist" validate:"required"`
	MaxUpdateRateMS *int           `json:"max_update_rate_ms" validate:"required,min=0"`
	Secure          *bool          `json:"secure,omitempty"`
}

// Subscription is an active WebSocket subscription to changes of one
// resource type.
type Subscription struct {
	ID              string         `json:"id"`
	WSHref          string         `json:"ws_href"`
	MaxUpdateRateMS int            `json:"max_update_rate_ms"`
	Persist         bool           `json:"persist"`
	Secure          bool           `json:"secure"`
	ResourcePath    string         `json:"resource_path"`
	Params          map[string]any `json:"params"`
	Version         string         `json:"version"`

	Type       resource.Type `json:"-"`
	APIVersion version.API   `json:"-"`

	sourceID string
	offset   int
	worker   *eventstream.Worker
}

// Port returns the subscription socket's port.
func (s *Subscription) Port() int {
	return s.worker.Port()
}

// Clients returns the number of connected subscribers.
func (s *Subscription) Clients() int {
	return s.worker.Clients()
}

func (s *Subscription) matches(t resource.Type, api version.API, rate int, persist, secure bool) bool {
	return s.Type == t &&
		s.APIVersion == api &&
		s.MaxUpdateRateMS == rate &&
		s.Persist == persist &&
		s.Secure == secure
}

// CreateSubscription returns the subscription matching req, creating it and
// its socket when none exists. created is false when an identical
// subscription was reused.
func (r *Registry) CreateSubscription(api version.API, req SubscriptionRequest) (sub Subscription, created bool, err error) {
	if !r.Enabled() {
		return Subscription{}, false, ErrUnavailable
	}
	r.markQueryAPICalled()

	if err := validate.Struct(req); err != nil {
		return Subscription{}, false, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	path, rawQuery, _ := strings.Cut(req.ResourcePath, "?")
	if usesRQL(rawQuery, req.Params) {
		return Subscription{}, false, fmt.Errorf("%w: RQL subscriptions", ErrNotImplemented)
	}
	if len(req.Params) > 0 {
		return Subscription{}, false, fmt.Errorf("%w: subscription params are not supported", ErrBadRequest)
	}
	t, err := resource.FromPath(path)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	c := r.common
	secure := c.streams.TLS != nil
	if req.Secure != nil {
		secure = *req.Secure
	}
	if secure && c.streams.TLS == nil {
		return Subscription{}, false, fmt.Errorf("%w: secure subscriptions need TLS", ErrBadRequest)
	}
	persist, rate := *req.Persist, *req.MaxUpdateRateMS

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.subscriptions {
		if existing.matches(t, api, rate, persist, secure) {
			return *existing, false, nil
		}
	}

	s := &Subscription{
		ID:              uuid.NewString(),
		MaxUpdateRateMS: rate,
		Persist:         persist,
		Secure:          secure,
		ResourcePath:    "/" + t.Plural(),
		Params:          map[string]any{},
		Version:         version.Now().String(),
		Type:            t,
		APIVersion:      api,
		sourceID:        r.query.id,
		offset:          c.nextOffsetLocked(),
	}

	opts := eventstream.Options{
		Addr:         c.listenAddr(s.offset),
		ResourceType: t.String(),
		OnConnect:    func(join func([]byte)) { c.syncClient(s, join) },
		CloseTimeout: c.streams.CloseTimeout,
	}
	if secure {
		opts.TLSConfig = c.streams.TLS
	}
	w, err := eventstream.Listen(c.log, opts)
	if err != nil {
		return Subscription{}, false, fmt.Errorf("listen subscription socket: %w", err)
	}
	s.worker = w
	s.WSHref = wsHref(c.streams.Host, w.Port(), secure, api, s.ID)

	c.subscriptions[s.ID] = s
	c.offsets[s.offset] = true
	c.metrics.Subscriptions.WithLabelValues(t.String()).Inc()
	c.log.Info().
		Str("subscription", s.ID).
		Str("type", t.String()).
		Str("ws_href", s.WSHref).
		Bool("persist", persist).
		Msg("subscription created")

	return *s, true, nil
}

// DeleteSubscription removes a client-managed subscription and closes its
// socket.
func (r *Registry) DeleteSubscription(id string) error {
	if !r.Enabled() {
		return ErrUnavailable
	}

	c := r.common
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subscriptions[id]
	if !ok {
		return fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	if !s.Persist {
		return fmt.Errorf("%w: subscription %s is registry managed", ErrForbidden, id)
	}
	c.closeSubscriptionLocked(s)
	return nil
}

// Subscriptions lists active subscriptions ordered by id.
func (r *Registry) Subscriptions() ([]Subscription, error) {
	if !r.Enabled() {
		return nil, ErrUnavailable
	}
	r.markQueryAPICalled()

	c := r.common
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LookupSubscription returns one active subscription.
func (r *Registry) LookupSubscription(id string) (Subscription, error) {
	if !r.Enabled() {
		return Subscription{}, ErrUnavailable
	}
	r.markQueryAPICalled()

	c := r.common
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.subscriptions[id]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	return *s, nil
}

func usesRQL(rawQuery string, params map[string]any) bool {
	for key := range params {
		if strings.HasPrefix(key, "query.rql") {
			return true
		}
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	for key := range q {
		if strings.HasPrefix(key, "query.rql") {
			return true
		}
	}
	return false
}

func wsHref(host string, port int, secure bool, api version.API, id string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/x-nmos/query/%s/subscriptions/%s",
		scheme, net.JoinHostPort(host, strconv.Itoa(port)), api, id)
}
