package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

var (
	// ErrNotFound is returned for unknown senders and receivers.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest is returned for malformed PATCH bodies.
	ErrBadRequest = errors.New("bad request")

	// ErrUnsupportedActivation is returned for activation requests the mock
	// node does not implement, such as scheduled activations.
	ErrUnsupportedActivation = errors.New("unsupported activation")
)

var validate = validator.New()

// State is the activation state of a sender or receiver.
type State int

const (
	Parked State = iota
	Staged
	Active
)

func (s State) String() string {
	switch s {
	case Parked:
		return "parked"
	case Staged:
		return "staged"
	case Active:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Activation modes.
const (
	ModeImmediate         = "activate_immediate"
	ModeScheduledRelative = "activate_scheduled_relative"
	ModeScheduledAbsolute = "activate_scheduled_absolute"
)

// Activation describes when staged parameters took or take effect.
type Activation struct {
	Mode           *string `json:"mode"`
	RequestedTime  *string `json:"requested_time"`
	ActivationTime *string `json:"activation_time"`
}

// TransportFile is a receiver's staged or active transport file.
type TransportFile struct {
	Data *string `json:"data"`
	Type *string `json:"type"`
}

// Endpoint is the staged or active configuration of a sender or receiver.
// PeerID is the sender_id of a receiver or the receiver_id of a sender.
type Endpoint struct {
	PeerID          *string
	MasterEnable    bool
	Activation      Activation
	TransportParams []map[string]any
	TransportFile   *TransportFile
}

func (e Endpoint) clone() Endpoint {
	out := e
	out.TransportParams = make([]map[string]any, len(e.TransportParams))
	for i, leg := range e.TransportParams {
		out.TransportParams[i] = maps.Clone(leg)
	}
	if e.TransportFile != nil {
		tf := *e.TransportFile
		out.TransportFile = &tf
	}
	return out
}

// view renders the endpoint as an IS-05 staged or active document.
func (e Endpoint) view(role resource.Type) map[string]any {
	out := map[string]any{
		"master_enable":    e.MasterEnable,
		"activation":       e.Activation,
		"transport_params": e.TransportParams,
	}
	if role == resource.Receiver {
		out["sender_id"] = e.PeerID
		tf := e.TransportFile
		if tf == nil {
			tf = &TransportFile{}
		}
		out["transport_file"] = tf
	} else {
		out["receiver_id"] = e.PeerID
	}
	return out
}

// ActivationRequest is the activation block of a PATCH.
type ActivationRequest struct {
	Mode          *string `json:"mode" validate:"omitempty,oneof=activate_immediate activate_scheduled_relative activate_scheduled_absolute"`
	RequestedTime *string `json:"requested_time"`
}

// Patch is a parsed PATCH of a staged endpoint. Nil fields are absent.
type Patch struct {
	PeerID          *string
	PeerIDSet       bool
	MasterEnable    *bool
	TransportParams []map[string]any
	TransportFile   *TransportFile
	Activation      *ActivationRequest
}

// ParsePatch decodes a PATCH body for role.
func ParsePatch(role resource.Type, body []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	peerKey := "receiver_id"
	if role == resource.Receiver {
		peerKey = "sender_id"
	}

	var p Patch
	for key, value := range raw {
		var err error
		switch key {
		case peerKey:
			p.PeerIDSet = true
			err = json.Unmarshal(value, &p.PeerID)
		case "master_enable":
			err = json.Unmarshal(value, &p.MasterEnable)
		case "transport_params":
			err = json.Unmarshal(value, &p.TransportParams)
		case "activation":
			err = json.Unmarshal(value, &p.Activation)
		case "transport_file":
			if role != resource.Receiver {
				return Patch{}, fmt.Errorf("%w: senders have no transport_file", ErrBadRequest)
			}
			err = json.Unmarshal(value, &p.TransportFile)
		default:
			return Patch{}, fmt.Errorf("%w: unexpected field %q", ErrBadRequest, key)
		}
		if err != nil {
			return Patch{}, fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
		}
	}

	if p.Activation != nil {
		if err := validate.Struct(p.Activation); err != nil {
			return Patch{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return p, nil
}

// SubscriptionState is what the IS-04 subscription attribute of the resource
// must show after a transition.
type SubscriptionState struct {
	PeerID *string
	Active bool
}

// Transition describes the effect of an applied patch. Sync is set when the
// active configuration changed and the registry must be told.
type Transition struct {
	From State
	To   State
	Sync *SubscriptionState
}

// Connection is the IS-05 state of one sender or receiver.
type Connection struct {
	// patching serializes Node.Patch calls on this connection, including the
	// registry sync that follows, so syncs reach the registry in version order.
	patching sync.Mutex

	role   resource.Type
	state  State
	staged Endpoint
	active Endpoint
}

func newConnection(role resource.Type) *Connection {
	return &Connection{
		role:   role,
		staged: parked(role),
		active: parked(role),
	}
}

// parked is the configuration of an endpoint that is not in use.
func parked(role resource.Type) Endpoint {
	leg := map[string]any{
		"destination_port": "auto",
		"rtp_enabled":      true,
	}
	if role == resource.Receiver {
		leg["interface_ip"] = "auto"
		leg["source_ip"] = nil
		leg["multicast_ip"] = nil
	} else {
		leg["source_ip"] = "auto"
		leg["destination_ip"] = "auto"
		leg["source_port"] = "auto"
	}
	return Endpoint{TransportParams: []map[string]any{leg}}
}

// State returns the current activation state.
func (c *Connection) State() State {
	return c.state
}

// Staged returns the staged document.
func (c *Connection) Staged() map[string]any {
	return c.staged.view(c.role)
}

// Active returns the active document.
func (c *Connection) Active() map[string]any {
	return c.active.view(c.role)
}

// Apply runs the state machine for one PATCH:
//
//   - no activation (or a null mode) stages the patched parameters;
//   - an immediate activation with master_enable true makes the staged
//     parameters active and parks the staged side;
//   - an immediate activation with master_enable false while active
//     deactivates the endpoint.
//
// Anything else fails with ErrUnsupportedActivation and leaves the
// connection unchanged.
func (c *Connection) Apply(p Patch, now func() version.Version) (Transition, error) {
	from := c.state
	next := c.staged.clone()

	if p.PeerIDSet {
		next.PeerID = p.PeerID
	}
	if p.MasterEnable != nil {
		next.MasterEnable = *p.MasterEnable
	}
	if p.TransportParams != nil {
		if len(p.TransportParams) != len(next.TransportParams) {
			return Transition{}, fmt.Errorf("%w: expected %d transport_params legs, got %d",
				ErrBadRequest, len(next.TransportParams), len(p.TransportParams))
		}
		for i, leg := range p.TransportParams {
			maps.Copy(next.TransportParams[i], leg)
		}
	}
	if p.TransportFile != nil {
		next.TransportFile = p.TransportFile
	}

	if p.Activation == nil || p.Activation.Mode == nil {
		next.Activation = Activation{}
		c.staged = next
		c.state = Staged
		return Transition{From: from, To: Staged}, nil
	}

	if *p.Activation.Mode != ModeImmediate {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnsupportedActivation, *p.Activation.Mode)
	}

	// A peer given alongside an immediate activation implies enabling it.
	if p.PeerIDSet && p.PeerID != nil && p.MasterEnable == nil {
		next.MasterEnable = true
	}

	mode := ModeImmediate
	at := now().String()
	activation := Activation{Mode: &mode, ActivationTime: &at}

	switch {
	case next.MasterEnable:
		next.Activation = activation
		c.active = next
		c.staged = parked(c.role)
		c.state = Active
		return Transition{From: from, To: Active, Sync: &SubscriptionState{PeerID: next.PeerID, Active: true}}, nil

	case c.active.MasterEnable:
		off := parked(c.role)
		off.Activation = activation
		c.active = off
		c.staged = parked(c.role)
		c.state = Parked
		return Transition{From: from, To: Parked, Sync: &SubscriptionState{Active: false}}, nil
	}

	return Transition{}, fmt.Errorf("%w: immediate activation with master_enable false while %s", ErrUnsupportedActivation, from)
}
