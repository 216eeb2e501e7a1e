// Package node implements the mock NMOS Node: dummy senders and receivers,
// their SDP transport files, the IS-04 Node API and the IS-05 Connection API
// with immediate activation.
package node

import (
	"context"
	"fmt"
	"maps"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/nmosmocks/internal/metrics"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/rs/zerolog"
)

// Port returns the mock node port for a port base.
func Port(portBase int) int {
	return portBase + 200 + 1
}

// Options configures the mock node.
type Options struct {
	Host        string // advertised host name or address
	Port        int
	Secure      bool
	SDP         SDPPreferences
	SyncTimeout time.Duration
}

// Node is the mock node.
type Node struct {
	log     zerolog.Logger
	opts    Options
	metrics *metrics.Metrics
	syncer  Syncer
	now     func() version.Version
	self    map[string]any

	mu          sync.Mutex
	senders     map[string]map[string]any
	receivers   map[string]map[string]any
	streamTypes map[string]string // sender id -> stream type
	connections map[string]*Connection
}

// New creates a node with no senders or receivers. syncer may be nil, in
// which case activations are not reported to a registry.
func New(log zerolog.Logger, opts Options, syncer Syncer, m *metrics.Metrics) *Node {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = time.Second
	}
	if opts.SDP == (SDPPreferences{}) {
		opts.SDP = DefaultSDPPreferences()
	}

	n := &Node{
		log:         log.With().Str("component", "node").Int("port", opts.Port).Logger(),
		opts:        opts,
		metrics:     m,
		syncer:      syncer,
		now:         version.Now,
		senders:     make(map[string]map[string]any),
		receivers:   make(map[string]map[string]any),
		streamTypes: make(map[string]string),
		connections: make(map[string]*Connection),
	}
	n.self = n.selfDocument()
	return n
}

func (n *Node) baseURL() string {
	scheme := "http"
	if n.opts.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port)))
}

func (n *Node) selfDocument() map[string]any {
	scheme := "http"
	if n.opts.Secure {
		scheme = "https"
	}
	return map[string]any{
		"id":          uuid.NewString(),
		"version":     n.now().String(),
		"label":       "Mock Node",
		"description": "Mock Node",
		"tags":        map[string]any{},
		"href":        n.baseURL() + "/",
		"hostname":    n.opts.Host,
		"caps":        map[string]any{},
		"api": map[string]any{
			"versions": []string{"v1.0", "v1.1", "v1.2", "v1.3"},
			"endpoints": []map[string]any{{
				"host":     n.opts.Host,
				"port":     n.opts.Port,
				"protocol": scheme,
			}},
		},
		"services":   []any{},
		"clocks":     []any{},
		"interfaces": []map[string]any{{"name": "eth0", "chassis_id": nil, "port_id": "00-00-00-00-00-00"}},
	}
}

// Self returns the node resource.
func (n *Node) Self() map[string]any {
	return maps.Clone(n.self)
}

// NewSender creates a dummy sender of streamType ("video", "audio", "data" or
// "mux") whose manifest_href points at the node's SDP file.
func (n *Node) NewSender(streamType string) (map[string]any, error) {
	if !validStreamType(streamType) {
		return nil, fmt.Errorf("%w: stream type %q", ErrBadRequest, streamType)
	}

	sender := map[string]any{
		"id":                 uuid.NewString(),
		"label":              "Dummy Sender",
		"description":        "Dummy Sender",
		"version":            "50:50",
		"caps":               map[string]any{},
		"tags":               map[string]any{},
		"manifest_href":      fmt.Sprintf("%s/%s.sdp", n.baseURL(), streamType),
		"flow_id":            uuid.NewString(),
		"transport":          "urn:x-nmos:transport:rtp.mcast",
		"device_id":          uuid.NewString(),
		"interface_bindings": []string{"eth0"},
		"subscription": map[string]any{
			"receiver_id": nil,
			"active":      true,
		},
	}

	id := sender["id"].(string)
	n.mu.Lock()
	n.senders[id] = sender
	n.streamTypes[id] = streamType
	n.connections[connKey(resource.Sender, id)] = newConnection(resource.Sender)
	n.mu.Unlock()

	n.log.Debug().Str("sender", id).Str("stream_type", streamType).Msg("sender created")
	return maps.Clone(sender), nil
}

// NewReceiver creates a dummy receiver for format, e.g. "video".
func (n *Node) NewReceiver(format string) (map[string]any, error) {
	if !validStreamType(format) {
		return nil, fmt.Errorf("%w: format %q", ErrBadRequest, format)
	}

	receiver := map[string]any{
		"id":                 uuid.NewString(),
		"label":              "Dummy Receiver",
		"description":        "Dummy Receiver",
		"version":            n.now().String(),
		"format":             "urn:x-nmos:format:" + format,
		"caps":               map[string]any{},
		"tags":               map[string]any{},
		"device_id":          uuid.NewString(),
		"transport":          "urn:x-nmos:transport:rtp.mcast",
		"interface_bindings": []string{"eth0"},
		"subscription": map[string]any{
			"sender_id": nil,
			"active":    false,
		},
	}

	id := receiver["id"].(string)
	n.mu.Lock()
	n.receivers[id] = receiver
	n.connections[connKey(resource.Receiver, id)] = newConnection(resource.Receiver)
	n.mu.Unlock()

	n.log.Debug().Str("receiver", id).Str("format", format).Msg("receiver created")
	return maps.Clone(receiver), nil
}

// Resources lists the senders or receivers ordered by id.
func (n *Node) Resources(role resource.Type) []map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	src := n.table(role)
	ids := make([]string, 0, len(src))
	for id := range src {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, maps.Clone(src[id]))
	}
	return out
}

// Resource returns one sender or receiver.
func (n *Node) Resource(role resource.Type, id string) (map[string]any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	doc, ok := n.table(role)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}
	return maps.Clone(doc), nil
}

// Staged returns the staged IS-05 document of a sender or receiver.
func (n *Node) Staged(role resource.Type, id string) (map[string]any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.connections[connKey(role, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}
	return c.Staged(), nil
}

// Active returns the active IS-05 document of a sender or receiver.
func (n *Node) Active(role resource.Type, id string) (map[string]any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.connections[connKey(role, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}
	return c.Active(), nil
}

// State returns the activation state of a sender or receiver.
func (n *Node) State(role resource.Type, id string) (State, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.connections[connKey(role, id)]
	if !ok {
		return Parked, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}
	return c.State(), nil
}

// Patch applies a PATCH to the staged endpoint and returns the resulting
// staged document. An activation that changes the IS-04 subscription of the
// resource is reported to the registry; a failed report is logged and does
// not undo the activation.
func (n *Node) Patch(ctx context.Context, role resource.Type, id string, p Patch) (map[string]any, error) {
	n.mu.Lock()
	c, ok := n.connections[connKey(role, id)]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, role, id)
	}

	c.patching.Lock()
	defer c.patching.Unlock()

	n.mu.Lock()
	tr, err := c.Apply(p, n.now)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	staged := c.Staged()

	var synced map[string]any
	if tr.Sync != nil {
		synced = n.updateSubscriptionLocked(role, id, *tr.Sync)
	}
	n.mu.Unlock()

	n.metrics.Activations.WithLabelValues(role.String(), tr.To.String()).Inc()
	n.log.Info().
		Str("role", role.String()).
		Str("id", id).
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Msg("connection patched")

	if synced != nil {
		n.sync(ctx, role, synced)
	}
	return staged, nil
}

// updateSubscriptionLocked writes the subscription attribute of the IS-04
// resource and bumps its version. It returns a copy to register.
func (n *Node) updateSubscriptionLocked(role resource.Type, id string, s SubscriptionState) map[string]any {
	doc, ok := n.table(role)[id]
	if !ok {
		return nil
	}

	peerKey := "receiver_id"
	if role == resource.Receiver {
		peerKey = "sender_id"
	}
	doc["subscription"] = map[string]any{peerKey: s.PeerID, "active": s.Active}
	doc["version"] = n.now().String()
	return maps.Clone(doc)
}

func (n *Node) sync(ctx context.Context, role resource.Type, doc map[string]any) {
	if n.syncer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.opts.SyncTimeout)
	defer cancel()

	if err := n.syncer.Sync(ctx, role, doc); err != nil {
		n.metrics.RegistrySyncs.WithLabelValues("error").Inc()
		n.log.Warn().Err(err).Str("role", role.String()).Interface("id", doc["id"]).Msg("registry sync failed")
		return
	}
	n.metrics.RegistrySyncs.WithLabelValues("ok").Inc()
}

// SDP renders the transport file of a stream type.
func (n *Node) SDP(streamType string) ([]byte, error) {
	return RenderSDP(streamType, n.opts.Host, n.opts.SDP)
}

// SenderSDP renders the transport file of a sender.
func (n *Node) SenderSDP(id string) ([]byte, error) {
	n.mu.Lock()
	streamType, ok := n.streamTypes[id]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: sender %s", ErrNotFound, id)
	}
	return n.SDP(streamType)
}

func (n *Node) table(role resource.Type) map[string]map[string]any {
	if role == resource.Receiver {
		return n.receivers
	}
	return n.senders
}

func connKey(role resource.Type, id string) string {
	return role.String() + "/" + id
}

func validStreamType(s string) bool {
	for _, t := range StreamTypes {
		if s == t {
			return true
		}
	}
	return false
}
