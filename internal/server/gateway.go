package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JosueRhea/sockudo/internal/core/limiter"
	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// handleGateway upgrades /app/{key} connections and hands them to the
// hub. App resolution failures still upgrade so the protocol close code
// reaches the client.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	remoteIP := clientIP(r)

	if res, err := s.connectIPLimiter.Increment(r.Context(), limiter.Key("", "connect_ip", remoteIP)); err == nil && !res.Allowed {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	app, lookupErr := s.apps.FindByKey(r.Context(), key)
	if lookupErr == nil {
		if res, err := s.connectAppLimiter.Increment(r.Context(), limiter.Key(app.ID, "connect", "")); err == nil && !res.Allowed {
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if lookupErr != nil {
		code := protocol.CloseAppNotFound
		reason := "app not found"
		if protocol.CodeOf(lookupErr) == protocol.CloseAppDisabled {
			code = protocol.CloseAppDisabled
			reason = "app is disabled"
		}
		s.lg.Debug("gateway rejected connection",
			log.String("key", key), log.Int("code", code))
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = conn.Close()
		return
	}

	// Oversize frames terminate the read loop, which closes with the
	// protocol's frame-too-large code.
	conn.SetReadLimit(int64(app.MaxClientEventPayloadBytes + 4096))

	s.hub.Serve(r.Context(), app, conn, remoteIP)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
