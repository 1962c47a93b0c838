package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pi-signaling/config"
)

// BuildICEServers turns the configured STUN/TURN URLs into the list peers
// pass to RTCPeerConnection. Every URL must parse as a STUN/TURN URI.
func BuildICEServers(cfg config.ICEConfig) ([]webrtc.ICEServer, error) {
	for _, raw := range append(append([]string(nil), cfg.StunURLs...), cfg.TurnURLs...) {
		if _, err := stun.ParseURI(raw); err != nil {
			return nil, fmt.Errorf("invalid ICE server URL %q: %w", raw, err)
		}
	}

	var servers []webrtc.ICEServer
	if len(cfg.StunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.StunURLs})
	}
	if len(cfg.TurnURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TurnURLs,
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnCredential,
		})
	}
	return servers, nil
}

// ICEServers serves the list built by BuildICEServers.
func ICEServers(servers []webrtc.ICEServer) gin.HandlerFunc {
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	}
}
