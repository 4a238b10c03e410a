package sse

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketTransportCarriesSameFraming(t *testing.T) {
	b := newTestBroker(testOptions())
	srv := httptest.NewServer(b.WebSocketHandler(nil, "/event-heartbeat"))
	t.Cleanup(srv.Close)
	t.Cleanup(b.Close)

	conn := dialWS(t, srv, "?channel=home")

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	frame := string(msg)
	require.True(t, strings.HasPrefix(frame, "id: 1\ndata: "+SelectorOnConnect+" "))

	payload := strings.TrimPrefix(frame, "id: 1\ndata: "+SelectorOnConnect+" ")
	var connect ConnectPayload
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(payload, "\n\n")), &connect))

	require.True(t, waitFor(time.Second, func() bool { return b.Registry().Count() == 1 }))
	b.NotifyChannel("home", "chat.msg", map[string]string{"t": "hi"})

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "id: 2\ndata: chat.msg {\"t\":\"hi\"}\n\n", string(msg))
}

func TestWebSocketPulseMessage(t *testing.T) {
	opts := testOptions()
	opts.Timeout = time.Hour
	b := newTestBroker(opts)
	srv := httptest.NewServer(b.WebSocketHandler(nil, "/event-heartbeat"))
	t.Cleanup(srv.Close)
	t.Cleanup(b.Close)

	conn := dialWS(t, srv, "?channel=home")
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var connect ConnectPayload
	data := strings.TrimPrefix(strings.TrimSuffix(string(msg), "\n\n"), "id: 1\ndata: "+SelectorOnConnect+" ")
	require.NoError(t, json.Unmarshal([]byte(data), &connect))

	require.True(t, waitFor(time.Second, func() bool { return b.Registry().GetSubscription(connect.ID) != nil }))
	sub := b.Registry().GetSubscription(connect.ID)
	before := sub.LastPulseAt()
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("pulse")))

	assert.True(t, waitFor(time.Second, func() bool { return sub.LastPulseAt().After(before) }))
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	b := newTestBroker(testOptions())
	srv := httptest.NewServer(b.WebSocketHandler(nil, "/event-heartbeat"))
	t.Cleanup(srv.Close)
	t.Cleanup(b.Close)

	conn := dialWS(t, srv, "?channel=home")
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool { return b.Registry().Count() == 1 }))

	conn.Close()

	assert.True(t, waitFor(time.Second, func() bool { return b.Registry().Count() == 0 }))
}
