package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventFrame is what goes over the wire for each bus event.
type eventFrame struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// handleEvents upgrades to a websocket and streams bus events. Clients can
// narrow the feed with ?topics=<prefix>, e.g. topics=approval. or
// topics=cubicle. The push is one-way; reads are only watched for
// disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event feed unavailable"})
		return
	}

	prefix := r.URL.Query().Get("topics")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event feed closed")

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Debug("event feed client connected", "remote", r.RemoteAddr, "prefix", prefix)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			frame := eventFrame{Topic: ev.Topic, Payload: ev.Payload, At: time.Now().UTC()}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("event feed write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
