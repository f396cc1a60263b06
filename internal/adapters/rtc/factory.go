package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// ICEServer is one deployment-configured ICE server. TURN entries carry
// credentials; STUN entries leave them empty.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// Factory builds pion-backed connections from a fixed ICE configuration.
// STUN servers come first so direct paths are tried before relays.
type Factory struct {
	cfg        webrtc.Configuration
	preferMime string
}

func NewFactory(servers []ICEServer, preferMime string) *Factory {
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return &Factory{cfg: cfg, preferMime: preferMime}
}

func (f *Factory) NewConnection(id domain.ParticipantID) (core.MediaConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConn(pc, id, f.preferMime), nil
}
