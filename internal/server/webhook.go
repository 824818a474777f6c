package server

import (
	"fmt"
	"net/http"
	"strings"
)

// handleIncomingCall answers the telephony provider's voice webhook with a
// TwiML document that connects the call's media stream to /v1/telephony on
// this instance.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	streamURL := s.streamURL(r)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url=%q />
    </Connect>
</Response>
`, streamURL)
}

// streamURL derives the wss:// address of the media-stream endpoint. The
// configured public URL wins; otherwise the request's Host header is used,
// which is correct behind a TLS-terminating proxy that preserves Host.
func (s *Server) streamURL(r *http.Request) string {
	if public := s.cfg.Server.PublicURL; public != "" {
		host := strings.TrimPrefix(strings.TrimPrefix(public, "https://"), "http://")
		return "wss://" + strings.TrimSuffix(host, "/") + "/v1/telephony"
	}
	return "wss://" + r.Host + "/v1/telephony"
}
