package registry

import (
	"encoding/json"

	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

const (
	grainType   = "event"
	grainFormat = "urn:x-nmos:format:data.event"
)

// Rational is a rate or duration in a data grain.
type Rational struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
}

// Change is the before/after state of one resource. Pre is absent for a
// creation and Post for a deletion; a sync carries equal Pre and Post.
type Change struct {
	Path string         `json:"path"`
	Pre  map[string]any `json:"pre,omitempty"`
	Post map[string]any `json:"post,omitempty"`
}

// GrainBody is the payload of a data grain.
type GrainBody struct {
	Type  string   `json:"type"`
	Topic string   `json:"topic"`
	Data  []Change `json:"data"`
}

// Grain is the change notification sent on subscription sockets.
type Grain struct {
	GrainType         string    `json:"grain_type"`
	SourceID          string    `json:"source_id"`
	FlowID            string    `json:"flow_id"`
	OriginTimestamp   string    `json:"origin_timestamp"`
	SyncTimestamp     string    `json:"sync_timestamp"`
	CreationTimestamp string    `json:"creation_timestamp"`
	Rate              Rational  `json:"rate"`
	Duration          Rational  `json:"duration"`
	Grain             GrainBody `json:"grain"`
}

func newGrain(s *Subscription, changes []Change) Grain {
	now := version.Now().String()
	return Grain{
		GrainType:         grainType,
		SourceID:          s.sourceID,
		FlowID:            s.ID,
		OriginTimestamp:   now,
		SyncTimestamp:     now,
		CreationTimestamp: now,
		Rate:              Rational{Numerator: 0, Denominator: 1},
		Duration:          Rational{Numerator: 0, Denominator: 1},
		Grain: GrainBody{
			Type:  grainFormat,
			Topic: "/" + s.Type.Plural() + "/",
			Data:  changes,
		},
	}
}

// view returns e as seen by a client of API version api, or nil when the
// resource is not visible at that version.
func view(t resource.Type, e *entry, api version.API) map[string]any {
	if e == nil {
		return nil
	}
	doc, ok := resource.Downgrade(t, e.data, e.apiVersion, api)
	if !ok {
		return nil
	}
	return doc
}

// notifyLocked queues a grain describing the change of resource id from
// prior to next on every subscription to t. Either side may be nil. c.mu
// must be held for writing so that queueing is ordered with the mutation.
func (c *Common) notifyLocked(t resource.Type, id string, prior, next *entry) {
	kind := "update"
	switch {
	case prior == nil:
		kind = "create"
	case next == nil:
		kind = "delete"
	}

	for _, s := range c.subscriptions {
		if s.Type != t {
			continue
		}
		change := Change{
			Path: id,
			Pre:  view(t, prior, s.APIVersion),
			Post: view(t, next, s.APIVersion),
		}
		if change.Pre == nil && change.Post == nil {
			continue
		}
		c.queueLocked(s, newGrain(s, []Change{change}), kind)
	}
}

// syncClient hands a newly connected client of s a grain holding every
// resource of the subscription's type, with equal pre and post. The read
// lock is held until the client has joined, so no change can fall between
// the snapshot and the first delta it receives.
func (c *Common) syncClient(s *Subscription, join func(snapshot []byte)) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subscriptions[s.ID] != s {
		return
	}

	changes := make([]Change, 0, len(c.resources[s.Type]))
	for _, e := range c.sortedEntriesLocked(s.Type) {
		doc := view(s.Type, e, s.APIVersion)
		if doc == nil {
			continue
		}
		changes = append(changes, Change{Path: idOf(e.data), Pre: doc, Post: doc})
	}
	msg, err := json.Marshal(newGrain(s, changes))
	if err != nil {
		c.log.Error().Err(err).Str("subscription", s.ID).Msg("failed to encode grain")
		return
	}
	join(msg)
	c.metrics.GrainsQueued.WithLabelValues(s.Type.String(), "sync").Inc()
	c.log.Debug().
		Str("subscription", s.ID).
		Int("changes", len(changes)).
		Msg("sync grain sent to new client")
}

func (c *Common) queueLocked(s *Subscription, g Grain, kind string) {
	msg, err := json.Marshal(g)
	if err != nil {
		c.log.Error().Err(err).Str("subscription", s.ID).Msg("failed to encode grain")
		return
	}
	if !s.worker.Queue(msg) {
		return
	}
	c.metrics.GrainsQueued.WithLabelValues(s.Type.String(), kind).Inc()
	c.log.Debug().
		Str("subscription", s.ID).
		Str("kind", kind).
		Int("changes", len(g.Grain.Data)).
		Msg("grain queued")
}
