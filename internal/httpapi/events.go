package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleSyncEvents streams syncer events to a websocket client until either
// side goes away.
func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("correlationId", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, cancel := s.agent.Syncer().Hub().Subscribe(32)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("event stream opened", zap.String("correlationId", correlationID))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				s.logger.Debug("event stream closed", zap.String("correlationId", correlationID), zap.Error(err))
				return
			}
		}
	}
}
