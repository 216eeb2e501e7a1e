package registry

import (
	"crypto/tls"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/markus-barta/nmosmocks/internal/eventstream"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// StreamConfig controls where subscription sockets listen and how their
// ws_href is advertised.
type StreamConfig struct {
	Host     string      // host advertised in ws_href
	BindAddr string      // listen address, e.g. "0.0.0.0"
	PortBase int         // first subscription port; 0 picks ephemeral ports
	TLS      *tls.Config // enables secure subscriptions

	// CloseTimeout bounds how long closing a socket waits on each client.
	CloseTimeout time.Duration
}

// entry is a stored resource.
type entry struct {
	data       map[string]any
	apiVersion version.API
	version    version.Version
}

// Common is the state shared by every registry instance of a pool: the
// registered resources, their owners and the subscriptions.
//
// mu is the single lock for resource mutation together with its
// notification, for subscription create-or-reuse, and for subscription
// teardown. Holding it across "find subscriptions + enqueue" means a grain
// is never queued on a socket that is being closed, and notifications for a
// resource reach subscribers in mutation order.
type Common struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	streams StreamConfig

	mu            sync.RWMutex
	resources     map[resource.Type]map[string]*entry
	owners        map[string]string
	subscriptions map[string]*Subscription
	offsets       map[int]bool
}

// NewCommon creates empty shared state.
func NewCommon(log zerolog.Logger, streams StreamConfig, m *metrics.Metrics) *Common {
	if streams.CloseTimeout <= 0 {
		streams.CloseTimeout = eventstream.DefaultCloseTimeout
	}
	c := &Common{
		log:     log.With().Str("component", "registry_common").Logger(),
		metrics: m,
		streams: streams,
	}
	c.resetLocked()
	return c
}

func (c *Common) resetLocked() {
	c.resources = make(map[resource.Type]map[string]*entry, len(resource.Types()))
	for _, t := range resource.Types() {
		c.resources[t] = make(map[string]*entry)
	}
	c.owners = make(map[string]string)
	c.subscriptions = make(map[string]*Subscription)
	c.offsets = make(map[int]bool)
}

// reset clears resources and owners, and closes every subscription socket
// before returning.
func (c *Common) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		c.closeSubscriptionLocked(sub)
	}
	c.resetLocked()
}

// closeNonPersistent tears down registry-managed subscriptions.
func (c *Common) closeNonPersistent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if !sub.Persist {
			c.closeSubscriptionLocked(sub)
		}
	}
}

// closeSubscriptionLocked removes sub and closes its socket. c.mu must be
// held for writing.
func (c *Common) closeSubscriptionLocked(sub *Subscription) {
	delete(c.subscriptions, sub.ID)
	delete(c.offsets, sub.offset)
	if err := sub.worker.Close(); err != nil {
		c.log.Debug().Err(err).Str("subscription", sub.ID).Msg("closing subscription socket")
	}
	c.metrics.Subscriptions.WithLabelValues(sub.Type.String()).Dec()
	c.log.Info().
		Str("subscription", sub.ID).
		Str("type", sub.Type.String()).
		Msg("subscription closed")
}

// nextOffsetLocked returns the lowest port offset not used by an active
// subscription.
func (c *Common) nextOffsetLocked() int {
	for i := 0; ; i++ {
		if !c.offsets[i] {
			return i
		}
	}
}

// listenAddr returns the socket address for a port offset.
func (c *Common) listenAddr(offset int) string {
	port := 0
	if c.streams.PortBase > 0 {
		port = c.streams.PortBase + offset
	}
	return c.streams.BindAddr + ":" + strconv.Itoa(port)
}

// sortedEntries returns the entries of t ordered by version, then id.
func (c *Common) sortedEntriesLocked(t resource.Type) []*entry {
	entries := make([]*entry, 0, len(c.resources[t]))
	for _, e := range c.resources[t] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if cmp := version.Compare(entries[i].version, entries[j].version); cmp != 0 {
			return cmp < 0
		}
		return idOf(entries[i].data) < idOf(entries[j].data)
	})
	return entries
}

func idOf(doc map[string]any) string {
	id, _ := doc["id"].(string)
	return id
}
