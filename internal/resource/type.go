// Package resource defines the IS-04 resource types and the downgrade of
// resource documents to older API versions.
package resource

import (
	"fmt"
	"strings"
)

// Type is one of the registrable IS-04 resource types.
type Type int

const (
	Node Type = iota
	Device
	Source
	Flow
	Sender
	Receiver
)

var names = [...]struct {
	singular string
	plural   string
}{
	Node:     {"node", "nodes"},
	Device:   {"device", "devices"},
	Source:   {"source", "sources"},
	Flow:     {"flow", "flows"},
	Sender:   {"sender", "senders"},
	Receiver: {"receiver", "receivers"},
}

// Types lists every resource type in registration order.
func Types() []Type {
	return []Type{Node, Device, Source, Flow, Sender, Receiver}
}

// String returns the singular name, e.g. "receiver".
func (t Type) String() string {
	if t < 0 || int(t) >= len(names) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return names[t].singular
}

// Plural returns the collection name, e.g. "receivers".
func (t Type) Plural() string {
	if t < 0 || int(t) >= len(names) {
		return fmt.Sprintf("Types(%d)", int(t))
	}
	return names[t].plural
}

// Parse accepts either the singular or the plural name.
func Parse(s string) (Type, error) {
	for i, n := range names {
		if s == n.singular || s == n.plural {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q", s)
}

// FromPath derives the resource type of a subscription resource_path such as
// "/receivers" or "/nodes?label=foo".
func FromPath(path string) (Type, error) {
	p, _, _ := strings.Cut(path, "?")
	p = strings.Trim(p, "/")
	t, err := Parse(p)
	if err != nil || p != t.Plural() {
		return 0, fmt.Errorf("invalid resource_path %q", path)
	}
	return t, nil
}
