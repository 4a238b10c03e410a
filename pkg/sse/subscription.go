package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// StreamWriter is the transport a subscription writes frames to. The SSE
// response, the WebSocket transport, and test doubles all satisfy it.
type StreamWriter interface {
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// Subscription owns one client's stream. It frames and writes messages,
// tracks the client's last heartbeat, and carries the identity metadata the
// broker indexes it under.
//
// Meta is seeded by the stream handler (userId, displayName, profileUrl) and
// may be extended by the OnCreated hook. It must not be mutated after the
// subscription is registered.
type Subscription struct {
	ID              string
	Channel         string
	UserID          string
	UserName        string
	SessionID       string
	DisplayName     string
	IsAuthenticated bool
	CreatedAt       time.Time
	Meta            map[string]string

	lastPulse atomic.Int64 // unix nanos; torn reads are benign
	msgID     atomic.Int64

	// writeMu serializes every write to the stream with Dispose, so no
	// frame is ever written after the stream is closed.
	writeMu sync.Mutex
	stream  StreamWriter
	closed  bool

	// regMu is held by the broker across its register and unregister
	// sequences; see Broker.Register.
	regMu sync.Mutex

	cbMu          sync.Mutex
	onUnsubscribe func(*Subscription)

	disposeOnce sync.Once
	onDispose   func()

	metrics Recorder
	logger  zerolog.Logger
}

// NewSubscription binds a subscription to a stream. Identity fields and Meta
// are filled in by the caller before Register.
func NewSubscription(id string, stream StreamWriter, metrics Recorder, logger zerolog.Logger) *Subscription {
	now := time.Now()
	sub := &Subscription{
		ID:        id,
		CreatedAt: now,
		Meta:      make(map[string]string),
		stream:    stream,
		metrics:   metrics,
		logger:    logger.With().Str("subscription", id).Logger(),
	}
	sub.lastPulse.Store(now.UnixNano())
	return sub
}

// SetOnDispose installs the callback invoked exactly once when the
// subscription is disposed. The stream handler uses it to unpark the request.
func (s *Subscription) SetOnDispose(fn func()) {
	s.onDispose = fn
}

func (s *Subscription) setOnUnsubscribe(fn func(*Subscription)) {
	s.cbMu.Lock()
	s.onUnsubscribe = fn
	s.cbMu.Unlock()
}

// takeOnUnsubscribe clears the callback before returning it, so a recursive
// Unsubscribe during Dispose is a no-op.
func (s *Subscription) takeOnUnsubscribe() func(*Subscription) {
	s.cbMu.Lock()
	fn := s.onUnsubscribe
	s.onUnsubscribe = nil
	s.cbMu.Unlock()
	return fn
}

// Publish frames one message and writes it to the stream:
//
//	id: <n>\n
//	data: <selector> <payload JSON>\n
//	\n
//
// Frame ids are strictly increasing per subscription. A write or flush
// failure is never propagated: the subscription logs it and unsubscribes
// itself, which removes it from all indices and closes the stream.
func (s *Subscription) Publish(selector string, payload any) {
	data := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error().Err(err).Str("selector", selector).Msg("Dropping frame with unencodable payload")
			return
		}
		data = string(b)
	}

	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}
	// The id is claimed under the write lock so the wire sequence stays
	// strictly increasing even across concurrent publishers.
	id := s.msgID.Add(1)
	var frame bytes.Buffer
	fmt.Fprintf(&frame, "id: %d\n", id)
	fmt.Fprintf(&frame, "data: %s %s\n\n", selector, data)
	_, err := s.stream.Write(frame.Bytes())
	if err == nil {
		err = s.stream.Flush()
	}
	s.writeMu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("selector", selector).Msg("Stream write failed, unsubscribing")
		s.Unsubscribe()
		return
	}
	s.metrics.FrameSent(frame.Len())
}

// Pulse marks the subscription alive. No I/O.
func (s *Subscription) Pulse() {
	s.lastPulse.Store(time.Now().UnixNano())
}

// LastPulseAt returns the time of the most recent heartbeat (or creation).
func (s *Subscription) LastPulseAt() time.Time {
	return time.Unix(0, s.lastPulse.Load())
}

// Unsubscribe hands the subscription back to whoever registered it. It is
// idempotent: only the first call reaches the broker's unregister handler,
// which runs synchronously and closes the stream before Unsubscribe returns.
func (s *Subscription) Unsubscribe() {
	if fn := s.takeOnUnsubscribe(); fn != nil {
		fn(s)
	}
}

// Dispose closes the underlying stream and fires the dispose callback exactly
// once. Close errors are logged and swallowed.
func (s *Subscription) Dispose() {
	s.setOnUnsubscribe(nil)

	s.writeMu.Lock()
	if !s.closed {
		s.closed = true
		if err := s.stream.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Stream close error")
		}
	}
	s.writeMu.Unlock()

	s.disposeOnce.Do(func() {
		if s.onDispose != nil {
			s.onDispose()
		}
	})
}

// MetaCopy returns a copy of the subscription's metadata for admin snapshots.
func (s *Subscription) MetaCopy() map[string]string {
	out := make(map[string]string, len(s.Meta))
	for k, v := range s.Meta {
		out[k] = v
	}
	return out
}
