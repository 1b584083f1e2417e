package gateway

import (
	"context"

	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aegis-soc/aegis/internal/bus"
)

// eventFrame is the wire form of a bus event on the WebSocket stream.
type eventFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents bridges the in-process bus to a WebSocket client. The
// client receives investigation.* events as they are published; a slow
// client misses events rather than blocking the publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: event client connected")
	defer func() {
		s.logger.Info("ws: event client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	topicPrefix := r.URL.Query().Get("topic")
	if topicPrefix == "" {
		topicPrefix = "investigation."
	}
	sub := s.cfg.Bus.Subscribe(topicPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The client never sends application frames; CloseRead surfaces the
	// disconnect through ctx.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	return wsjson.Write(ctx, conn, eventFrame{
		Topic:   ev.Topic,
		Payload: ev.Payload,
	})
}
