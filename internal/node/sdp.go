package node

import (
	"bytes"
	"embed"
	"fmt"
	"math/rand"
	"text/template"
)

//go:embed sdp/*.sdp
var sdpFiles embed.FS

var sdpTemplates = template.Must(template.ParseFS(sdpFiles, "sdp/*.sdp"))

// StreamTypes are the stream types the node can describe with SDP.
var StreamTypes = []string{"video", "audio", "data", "mux"}

// SDPPreferences shape the generated transport files.
type SDPPreferences struct {
	VideoWidth          int    `yaml:"video_width"`
	VideoHeight         int    `yaml:"video_height"`
	VideoInterlace      bool   `yaml:"video_interlace"`
	VideoExactFramerate string `yaml:"video_exactframerate"`
	AudioChannels       int    `yaml:"audio_channels"`
	AudioSampleRate     int    `yaml:"audio_sample_rate"`
}

// DefaultSDPPreferences returns 1080p25 video and stereo 48 kHz audio.
func DefaultSDPPreferences() SDPPreferences {
	return SDPPreferences{
		VideoWidth:          1920,
		VideoHeight:         1080,
		VideoExactFramerate: "25",
		AudioChannels:       2,
		AudioSampleRate:     48000,
	}
}

type sdpParams struct {
	SrcIP          string
	DstIP          string
	DstPort        int
	MediaType      string
	Width          int
	Height         int
	Interlace      string
	ExactFrameRate string
	Channels       int
	SampleRate     int
}

// RenderSDP renders the transport file for streamType. Each call picks a
// new multicast group and port.
func RenderSDP(streamType, srcIP string, prefs SDPPreferences) ([]byte, error) {
	p := sdpParams{
		SrcIP:   srcIP,
		DstIP:   fmt.Sprintf("232.40.50.%d", rand.Intn(254)+1),
		DstPort: 5000 + rand.Intn(1000),
	}

	switch streamType {
	case "video":
		p.MediaType = "raw"
		p.Width = prefs.VideoWidth
		p.Height = prefs.VideoHeight
		p.ExactFrameRate = prefs.VideoExactFramerate
		if prefs.VideoInterlace {
			p.Interlace = "interlace; "
		}
	case "audio":
		p.MediaType = "L24"
		p.Channels = prefs.AudioChannels
		p.SampleRate = prefs.AudioSampleRate
	case "data", "mux":
	default:
		return nil, fmt.Errorf("%w: stream type %q", ErrNotFound, streamType)
	}

	var buf bytes.Buffer
	if err := sdpTemplates.ExecuteTemplate(&buf, streamType+".sdp", p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
