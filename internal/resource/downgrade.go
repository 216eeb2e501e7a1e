package resource

import "github.com/markus-barta/nmosmocks/internal/version"

// introduced records the top-level attributes each API version added to a
// resource type. Attributes present since v1.0 are not listed.
var introduced = map[Type]map[version.API][]string{
	Node: {
		version.V1_1: {"description", "tags", "api", "clocks"},
		version.V1_2: {"interfaces"},
	},
	Device: {
		version.V1_1: {"description", "tags", "controls"},
	},
	Source: {
		version.V1_1: {"grain_rate", "clock_name", "channels"},
	},
	Flow: {
		version.V1_1: {
			"grain_rate", "device_id", "media_type", "sample_rate", "bit_depth",
			"frame_width", "frame_height", "interlace_mode", "colorspace",
			"transfer_characteristic", "components", "DID_SDID",
		},
		version.V1_3: {"event_type"},
	},
	Sender: {
		version.V1_2: {"interface_bindings", "subscription"},
		version.V1_3: {"caps"},
	},
	Receiver: {
		version.V1_2: {"interface_bindings"},
	},
}

// Downgrade translates a resource document registered at API version from
// into its representation at API version to. It returns false when the
// document cannot be represented at that version: either the major versions
// differ or to is newer than from (documents are never upgraded).
//
// The input is not modified; the result is a shallow copy.
func Downgrade(t Type, doc map[string]any, from, to version.API) (map[string]any, bool) {
	if doc == nil {
		return nil, false
	}
	if from.Major != to.Major || version.CompareAPI(to, from) > 0 {
		return nil, false
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if version.CompareAPI(to, from) == 0 {
		return out, true
	}

	for added, attrs := range introduced[t] {
		if version.CompareAPI(added, to) <= 0 {
			continue
		}
		for _, attr := range attrs {
			delete(out, attr)
		}
	}
	return out, true
}
