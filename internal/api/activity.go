package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austindbirch/agentgate/internal/event"
)

const (
	defaultActivityLimit = 50
	streamBuffer         = 64
	streamPingInterval   = 30 * time.Second
	streamWriteWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	events := s.dispatcher.Activity().Recent(queryLimit(r, defaultActivityLimit))
	if filter := r.URL.Query().Get("event"); filter != "" {
		kept := events[:0]
		for _, ev := range events {
			if ev.Type == filter {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleActivityStream tails the activity log over a websocket. An optional
// ?event= narrows the stream to one type. Events the client is too slow to
// take are dropped by the activity log, never queued without bound.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("event")
	// Subscribe first so nothing appended after the handshake is missed.
	feed, cancel := s.dispatcher.Activity().Subscribe(streamBuffer)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends anything meaningful; reading only surfaces close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.WithContext(r.Context()).WithError(err).Debug("Activity stream read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if filter != "" && ev.Type != filter {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev event.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(ev)
}
