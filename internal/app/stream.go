package app

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const streamWriteWait = 10 * time.Second

// handleStream pushes accepted events over a websocket: first the backlog
// after ?since, then each new event as it is appended. A client that falls
// behind is disconnected and should resync through /events.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	since := sinceRevision(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Time{})

	backlog, sub := s.session.Subscribe(since)
	defer sub.Cancel()

	log := s.log.WithFields(logrus.Fields{"request_id": requestID(r.Context()), "since": since})
	log.Debug("stream opened")

	for _, event := range backlog {
		if err := writeStreamEvent(conn, event); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resync"),
					time.Now().Add(streamWriteWait),
				)
				log.Debug("stream closed by server")
				return
			}
			if err := writeStreamEvent(conn, event); err != nil {
				return
			}
		case <-closed:
			log.Debug("stream closed by client")
			return
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, event Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(event)
}
