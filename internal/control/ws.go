package control

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsWriteWait bounds how long a single write to a client may take before
// the connection is considered dead.
const wsWriteWait = 10 * time.Second

// controlMessage is one client control message: either a one-shot
// subscribe request picking a replay starting point, or a keepalive ping.
type controlMessage struct {
	Action       string  `json:"action"`
	FromSequence *uint64 `json:"from_sequence,omitempty"`
}

// gapEnvelope is the server's gap marker: `{"type":"gap","from":N}`.
type gapEnvelope struct {
	Type string `json:"type"`
	From uint64 `json:"from"`
}

// handleWS upgrades the connection and streams Event Bus envelopes of the
// form `{sequence, kind, at, payload}`. The client may send
// `{"action":"subscribe","from_sequence":N}` once to pick a replay
// starting point, or `{"action":"ping"}` to keep the connection alive;
// the server never requires a response to its own pushes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	s.deps.Log.Debug("websocket connected", "connection_id", connID)
	defer s.deps.Log.Debug("websocket disconnected", "connection_id", connID)

	sub := s.deps.Bus.Subscribe(0) // default: replay everything still in the ring, then live
	defer sub.Cancel()

	stopCh := make(chan struct{})
	defer close(stopCh)
	controlCh := make(chan controlMessage)
	readErrCh := make(chan error, 1)
	go s.wsReadLoop(conn, controlCh, readErrCh, stopCh)

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := s.wsWriteJSON(conn, evt); err != nil {
				return
			}

		case gap, ok := <-sub.Gaps:
			if !ok {
				return
			}
			if err := s.wsWriteJSON(conn, gapEnvelope{Type: "gap", From: gap.From}); err != nil {
				return
			}

		case msg := <-controlCh:
			switch msg.Action {
			case "subscribe":
				from := uint64(0)
				if msg.FromSequence != nil {
					from = *msg.FromSequence
				}
				sub.Cancel()
				sub = s.deps.Bus.Subscribe(from)
			case "ping":
				// No response required; the read itself proves liveness.
			}

		case err := <-readErrCh:
			if err != nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.deps.Log.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

// wsReadLoop is the connection's sole reader, decoding client control
// messages and forwarding them; it exits (sending the terminal read error
// on errCh) when the client disconnects, or when stopCh fires.
func (s *Server) wsReadLoop(conn *websocket.Conn, out chan<- controlMessage, errCh chan<- error, stopCh <-chan struct{}) {
	for {
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case errCh <- err:
			case <-stopCh:
			}
			return
		}
		if msg.Action != "subscribe" && msg.Action != "ping" {
			continue
		}
		select {
		case out <- msg:
		case <-stopCh:
			return
		}
	}
}
