package sse

import (
	"bytes"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsStream adapts a WebSocket connection to StreamWriter. Each frame is
// delivered as one text message carrying the identical id:/data: framing the
// SSE transport emits. Writes are already serialized by the subscription's
// write lock.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Flush() error { return nil }

func (s *wsStream) Close() error { return s.conn.Close() }

// WebSocketHandler returns the handler that serves the event stream over a
// WebSocket instead of an SSE response. The subscription lifecycle is
// identical; inbound text starting with "pulse" counts as a heartbeat, all
// other client messages are discarded.
func (b *Broker) WebSocketHandler(resolver IdentityResolver, heartbeatPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		sub := b.buildSubscription(r, &wsStream{conn: conn}, resolver)
		done := make(chan struct{})
		sub.SetOnDispose(func() { close(done) })

		sub.Publish(SelectorOnConnect, b.connectPayload(sub, heartbeatPath))

		if err := b.Register(sub); err != nil {
			b.logger.Error().Err(err).Str("subscription", sub.ID).Msg("Registration failed")
			sub.Unsubscribe()
			return
		}

		go b.readPump(conn, sub)
		<-done
	}
}

// readPump drains the client side of the socket for the subscription's
// lifetime. A read error means the peer went away.
func (b *Broker) readPump(conn *websocket.Conn, sub *Subscription) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			sub.Unsubscribe()
			return
		}
		if msgType == websocket.TextMessage && bytes.HasPrefix(data, []byte("pulse")) {
			b.Pulse(sub.ID)
		}
	}
}
