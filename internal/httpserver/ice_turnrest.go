package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.opts.TURNREST != nil {
		creds, err := s.opts.TURNREST.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate turn credentials"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep an empty (non-nil) slice so the response encodes `[]`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
