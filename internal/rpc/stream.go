package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// spec.md's CORS_ALLOWED_ORIGINS already gates plain HTTP; handleStream
	// replaces this CheckOrigin with a check against the same list rather
	// than a second allowlist.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// handleStream upgrades to a WebSocket and relays every gossip.Message
// published on :topic (spec.md §4.7's "WS /stream/{topic}").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	topic := ps.ByName("topic")
	up := upgrader
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(s.cfg.CORSAllowedOrigins) == 0 {
			return true
		}
		for _, o := range s.cfg.CORSAllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "topic", topic, "err", err)
		return
	}
	defer conn.Close()

	sub, cancel := s.broker.Subscribe(topic)
	defer cancel()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
