package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const DefaultICECandidatePoolSize = 10

// DefaultICEServers is the fixed STUN pair every peer starts with.
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ICEConfig is the transport configuration handed to peers and browsers.
type ICEConfig struct {
	Servers           []string `json:"iceServers"`
	CandidatePoolSize uint8    `json:"iceCandidatePoolSize"`
}

func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Servers:           append([]string(nil), DefaultICEServers...),
		CandidatePoolSize: DefaultICECandidatePoolSize,
	}
}

// Validate accepts stun and stuns urls only; the demo carries no TURN
// credentials.
func (c ICEConfig) Validate() error {
	for _, raw := range c.Servers {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("ice servers must not contain empty entries")
		}
		if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "stuns:") {
			return fmt.Errorf("unsupported ice url scheme: %q", url)
		}
	}
	return nil
}

// WebRTC builds the pion configuration. All urls go into one ICEServer entry,
// as the browser page does.
func (c ICEConfig) WebRTC() webrtc.Configuration {
	cfg := webrtc.Configuration{ICECandidatePoolSize: c.CandidatePoolSize}
	if len(c.Servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), c.Servers...)}}
	}
	return cfg
}

// NewAPI returns a pion API with the default codecs registered. se may be nil.
func NewAPI(se *webrtc.SettingEngine) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(mediaEngine)}
	if se != nil {
		opts = append(opts, webrtc.WithSettingEngine(*se))
	}
	return webrtc.NewAPI(opts...), nil
}
