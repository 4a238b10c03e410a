package sse

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memStream is an in-memory StreamWriter for tests. It can be told to fail
// writes to simulate a dead client.
type memStream struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	failWrites bool
	closed     bool
}

func (m *memStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return 0, errors.New("broken pipe")
	}
	return m.buf.Write(p)
}

func (m *memStream) Flush() error { return nil }

func (m *memStream) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStream) fail() {
	m.mu.Lock()
	m.failWrites = true
	m.mu.Unlock()
}

func (m *memStream) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memStream) contents() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

// frames splits the captured stream into individual SSE frames.
func (m *memStream) frames() []string {
	raw := strings.TrimSuffix(m.contents(), "\n\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n\n")
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.NotifyChannelOfSubscriptions = false
	opts.HeartbeatAck = false
	return opts
}

func newTestBroker(opts Options) *Broker {
	opts.Logger = zerolog.Nop()
	return NewBroker(opts)
}

func newTestSub(id, channel, userID, userName, sessionID string) (*Subscription, *memStream) {
	stream := &memStream{}
	sub := NewSubscription(id, stream, nopRecorder{}, zerolog.Nop())
	sub.Channel = channel
	sub.UserID = userID
	sub.UserName = userName
	sub.SessionID = sessionID
	sub.DisplayName = userName
	sub.Meta["id"] = id
	sub.Meta["userId"] = userID
	sub.Meta["displayName"] = userName
	sub.Meta["profileUrl"] = ""
	return sub, stream
}

// indexHas reports whether the index holds exactly this subscription under
// the key.
func indexHas(ix *subIndex, key string, sub *Subscription) bool {
	l := ix.lookup(key)
	if l == nil {
		return false
	}
	found := false
	l.each(func(s *Subscription) {
		if s == sub {
			found = true
		}
	})
	return found
}

// inAllIndices reports presence in every index the subscription has a
// non-empty key for.
func inAllIndices(b *Broker, sub *Subscription) bool {
	r := &b.reg
	return indexHas(&r.bySubID, sub.ID, sub) &&
		indexHas(&r.byChannel, sub.Channel, sub) &&
		indexHas(&r.byUserID, sub.UserID, sub) &&
		(sub.UserName == "" || indexHas(&r.byUserName, sub.UserName, sub)) &&
		(sub.SessionID == "" || indexHas(&r.bySession, sub.SessionID, sub))
}

// inAnyIndex reports presence in at least one index.
func inAnyIndex(b *Broker, sub *Subscription) bool {
	r := &b.reg
	return indexHas(&r.bySubID, sub.ID, sub) ||
		indexHas(&r.byChannel, sub.Channel, sub) ||
		indexHas(&r.byUserID, sub.UserID, sub) ||
		indexHas(&r.byUserName, sub.UserName, sub) ||
		indexHas(&r.bySession, sub.SessionID, sub)
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
