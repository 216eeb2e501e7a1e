// Package registry implements the mock IS-04 registry: the shared resource
// store, the query engine with paging, and subscriptions that stream data
// grains over WebSockets.
package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/nmosmocks/internal/journal"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// DefaultPagingLimit is the largest page the query engine returns.
const DefaultPagingLimit = 100

// Options configures one registry instance.
type Options struct {
	Port        int // registration/query API port; also keys the journal
	PagingLimit int
}

// Data is the registration traffic a registry has received since its last
// reset.
type Data struct {
	Posts      []journal.Entry `json:"posts"`
	Deletes    []journal.Entry `json:"deletes"`
	Heartbeats []journal.Entry `json:"heartbeats"`
}

// Registry is one mock registry instance. Instances of a pool share their
// resources and subscriptions through Common.
type Registry struct {
	log     zerolog.Logger
	common  *Common
	journal *journal.Journal
	metrics *metrics.Metrics
	port    int
	label   string
	query   *QueryEngine

	added   *Event
	deleted *Event

	mu             sync.Mutex
	enabled        bool
	testFirstReg   bool
	queryAPICalled bool
	lastTime       time.Time
	lastHeartbeat  time.Time
}

// New creates a disabled registry instance.
func New(log zerolog.Logger, common *Common, j *journal.Journal, m *metrics.Metrics, opts Options) *Registry {
	limit := opts.PagingLimit
	if limit <= 0 {
		limit = DefaultPagingLimit
	}

	r := &Registry{
		log:     log.With().Str("component", "registry").Int("port", opts.Port).Logger(),
		common:  common,
		journal: j,
		metrics: m,
		port:    opts.Port,
		label:   strconv.Itoa(opts.Port),
		added:   NewEvent(),
		deleted: NewEvent(),
	}
	r.query = &QueryEngine{
		id:       uuid.NewString(),
		registry: r,
		maxLimit: limit,
		now:      version.Now,
	}
	return r
}

// Port returns the instance's API port.
func (r *Registry) Port() int {
	return r.port
}

// Query returns the instance's query engine.
func (r *Registry) Query() *QueryEngine {
	return r.query
}

// Enable makes the instance answer requests. With firstReg set, POSTs are
// answered as updates (200) and DELETEs succeed until a node is deleted.
func (r *Registry) Enable(firstReg bool) {
	r.mu.Lock()
	r.enabled = true
	r.testFirstReg = firstReg
	r.mu.Unlock()
	r.log.Info().Bool("first_reg", firstReg).Msg("registry enabled")
}

// Disable stops the instance answering requests and closes registry-managed
// subscriptions.
func (r *Registry) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.testFirstReg = false
	r.mu.Unlock()
	r.common.closeNonPersistent()
	r.log.Info().Msg("registry disabled")
}

// Enabled reports whether the instance answers requests.
func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Reset disables the instance, clears the shared resources and
// subscriptions, and forgets recorded traffic. Every subscription socket is
// closed before Reset returns.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.enabled = false
	r.testFirstReg = false
	r.queryAPICalled = false
	r.lastTime = time.Now()
	r.lastHeartbeat = time.Time{}
	r.mu.Unlock()

	r.common.reset()
	r.added.Clear()
	r.deleted.Clear()
	if err := r.journal.Clear(r.port); err != nil {
		r.log.Error().Err(err).Msg("failed to clear journal")
	}
}

// WaitForRegistration blocks until the first POST arrives or timeout
// elapses, and reports whether one arrived.
func (r *Registry) WaitForRegistration(timeout time.Duration) bool {
	return r.added.Wait(timeout)
}

// WaitForDelete blocks until the first DELETE arrives or timeout elapses.
func (r *Registry) WaitForDelete(timeout time.Duration) bool {
	return r.deleted.Wait(timeout)
}

// HasRegistrations reports whether any POST has arrived since the last reset.
func (r *Registry) HasRegistrations() bool {
	return r.added.IsSet()
}

// QueryAPICalled reports whether the Query API has been used since reset.
func (r *Registry) QueryAPICalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queryAPICalled
}

// LastTime returns when the last POST or DELETE arrived.
func (r *Registry) LastTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTime
}

// LastHeartbeat returns when the last heartbeat arrived.
func (r *Registry) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

// Data returns the recorded registration traffic.
func (r *Registry) Data() (Data, error) {
	var (
		d   Data
		err error
	)
	if d.Posts, err = r.journal.List(r.port, journal.KindPost); err != nil {
		return Data{}, err
	}
	if d.Deletes, err = r.journal.List(r.port, journal.KindDelete); err != nil {
		return Data{}, err
	}
	if d.Heartbeats, err = r.journal.List(r.port, journal.KindHeartbeat); err != nil {
		return Data{}, err
	}
	return d, nil
}

// Add registers or updates a resource on behalf of owner. It reports whether
// the resource was created (as opposed to updated). The stored resource and
// the data grains describing the change are published atomically.
func (r *Registry) Add(owner string, api version.API, t resource.Type, data map[string]any) (bool, error) {
	r.mu.Lock()
	enabled, firstReg := r.enabled, r.testFirstReg
	if enabled {
		r.lastTime = time.Now()
	}
	r.mu.Unlock()
	if !enabled {
		return false, ErrUnavailable
	}

	id, _ := data["id"].(string)
	r.record(journal.Entry{
		Kind:         journal.KindPost,
		APIVersion:   api.String(),
		ResourceType: t.String(),
		ResourceID:   id,
		Owner:        owner,
		Payload:      marshalPayload(map[string]any{"type": t.String(), "data": data}),
	})
	r.added.Set()

	if id == "" {
		return false, fmt.Errorf("%w: resource has no id", ErrBadRequest)
	}
	rawVersion, _ := data["version"].(string)
	v, err := version.Parse(rawVersion)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	c := r.common
	c.mu.Lock()
	if existing, ok := c.owners[id]; ok && existing != owner {
		c.mu.Unlock()
		r.metrics.Registrations.WithLabelValues(r.label, t.String(), "conflict").Inc()
		return false, fmt.Errorf("%w: %s %s", ErrOwnershipConflict, t, id)
	}
	prior := c.resources[t][id]
	next := &entry{data: data, apiVersion: api, version: v}
	c.owners[id] = owner
	c.resources[t][id] = next
	c.notifyLocked(t, id, prior, next)
	c.mu.Unlock()

	created := prior == nil && !firstReg
	result := "updated"
	if created {
		result = "created"
	}
	r.metrics.Registrations.WithLabelValues(r.label, t.String(), result).Inc()
	r.log.Debug().
		Str("type", t.String()).
		Str("id", id).
		Str("version", v.String()).
		Bool("created", created).
		Msg("resource registered")
	return created, nil
}

// Delete removes a resource on behalf of owner.
func (r *Registry) Delete(owner string, api version.API, t resource.Type, id string) error {
	r.mu.Lock()
	enabled, firstReg := r.enabled, r.testFirstReg
	if enabled {
		r.lastTime = time.Now()
		if firstReg && t == resource.Node {
			// After a node DELETE, later POSTs are first registrations again.
			r.testFirstReg = false
		}
	}
	r.mu.Unlock()
	if !enabled {
		return ErrUnavailable
	}

	r.record(journal.Entry{
		Kind:         journal.KindDelete,
		APIVersion:   api.String(),
		ResourceType: t.String(),
		ResourceID:   id,
		Owner:        owner,
	})
	r.deleted.Set()

	c := r.common
	c.mu.Lock()
	if existing, ok := c.owners[id]; ok && existing != owner {
		c.mu.Unlock()
		r.metrics.Deletions.WithLabelValues(r.label, t.String(), "conflict").Inc()
		return fmt.Errorf("%w: %s %s", ErrOwnershipConflict, t, id)
	}
	prior, ok := c.resources[t][id]
	if !ok {
		c.mu.Unlock()
		if firstReg {
			return nil
		}
		r.metrics.Deletions.WithLabelValues(r.label, t.String(), "not_found").Inc()
		return fmt.Errorf("%w: %s %s", ErrNotFound, t, id)
	}
	delete(c.resources[t], id)
	c.notifyLocked(t, id, prior, nil)
	c.mu.Unlock()

	r.metrics.Deletions.WithLabelValues(r.label, t.String(), "deleted").Inc()
	r.log.Debug().Str("type", t.String()).Str("id", id).Msg("resource deleted")
	return nil
}

// Heartbeat records a node heartbeat and returns its time. Heartbeats never
// produce data grains.
func (r *Registry) Heartbeat(owner string, api version.API, nodeID string) (time.Time, error) {
	if !r.Enabled() {
		return time.Time{}, ErrUnavailable
	}

	c := r.common
	c.mu.RLock()
	_, registered := c.resources[resource.Node][nodeID]
	existing, owned := c.owners[nodeID]
	c.mu.RUnlock()

	if !registered {
		r.metrics.Heartbeats.WithLabelValues(r.label, "not_found").Inc()
		return time.Time{}, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if owned && existing != owner {
		r.metrics.Heartbeats.WithLabelValues(r.label, "conflict").Inc()
		return time.Time{}, fmt.Errorf("%w: node %s", ErrOwnershipConflict, nodeID)
	}

	now := time.Now()
	r.mu.Lock()
	r.lastHeartbeat = now
	r.mu.Unlock()

	r.record(journal.Entry{
		Kind:       journal.KindHeartbeat,
		Time:       now,
		APIVersion: api.String(),
		ResourceID: nodeID,
		Owner:      owner,
	})
	r.metrics.Heartbeats.WithLabelValues(r.label, "ok").Inc()
	return now, nil
}

// Resources returns a copy of the registered documents of type t keyed by id,
// as they were registered.
func (r *Registry) Resources(t resource.Type) map[string]map[string]any {
	c := r.common
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]any, len(c.resources[t]))
	for id, e := range c.resources[t] {
		out[id] = maps.Clone(e.data)
	}
	return out
}

// Registered reports whether id is a registered resource of type t.
func (r *Registry) Registered(t resource.Type, id string) bool {
	c := r.common
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resources[t][id]
	return ok
}

func (r *Registry) markQueryAPICalled() {
	r.mu.Lock()
	r.queryAPICalled = true
	r.mu.Unlock()
}

func (r *Registry) record(e journal.Entry) {
	e.Registry = r.port
	if err := r.journal.Record(e); err != nil {
		r.log.Error().Err(err).Msg("failed to journal registration call")
	}
}

func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
