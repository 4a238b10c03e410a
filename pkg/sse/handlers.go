package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Identity is what the stream handler learns about the caller from the
// session layer. Zero-valued fields are filled with generated anonymous
// values.
type Identity struct {
	UserID        string
	UserName      string
	SessionID     string
	DisplayName   string
	ProfileURL    string
	Authenticated bool
}

// IdentityResolver resolves the caller of a stream request. Implementations
// live outside the broker (JWT, cookies, ...); a nil resolver means every
// caller is anonymous.
type IdentityResolver interface {
	Resolve(r *http.Request) Identity
}

// anonCounter feeds the process-wide "-<n>" / "User<n>" anonymous identity
// contract.
var anonCounter atomic.Int64

// ConnectPayload is the cmd.onConnect payload, the first frame of every
// subscription.
type ConnectPayload struct {
	ID                  string `json:"id"`
	HeartbeatURL        string `json:"heartbeatUrl"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	UserID              string `json:"userId"`
	DisplayName         string `json:"displayName"`
	ProfileURL          string `json:"profileUrl"`
}

// sseStream adapts an SSE response to StreamWriter. The response itself is
// completed by the stream handler returning, so Close does nothing.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *sseStream) Flush() error {
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Close() error { return nil }

// StreamHandler returns the GET handler that opens an SSE subscription. The
// request is parked until the subscription is disposed. heartbeatPath is
// advertised to the client in cmd.onConnect.
func (b *Broker) StreamHandler(resolver IdentityResolver, heartbeatPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := b.buildSubscription(r, &sseStream{w: w, flusher: flusher}, resolver)
		done := make(chan struct{})
		sub.SetOnDispose(func() { close(done) })

		// onConnect goes out before registration so it is the first
		// frame on the wire, ahead of the channel's onJoin broadcast.
		sub.Publish(SelectorOnConnect, b.connectPayload(sub, heartbeatPath))

		if err := b.Register(sub); err != nil {
			b.logger.Error().Err(err).Str("subscription", sub.ID).Msg("Registration failed")
			sub.Unsubscribe()
			return
		}

		select {
		case <-done:
		case <-r.Context().Done():
			sub.Unsubscribe()
		}
	}
}

func (b *Broker) connectPayload(sub *Subscription, heartbeatPath string) ConnectPayload {
	return ConnectPayload{
		ID:                  sub.ID,
		HeartbeatURL:        heartbeatPath + "?from=" + sub.ID,
		HeartbeatIntervalMs: b.opts.HeartbeatInterval.Milliseconds(),
		UserID:              sub.UserID,
		DisplayName:         sub.DisplayName,
		ProfileURL:          sub.Meta["profileUrl"],
	}
}

// buildSubscription constructs a subscription for the request: identity from
// the resolver (anonymous fallbacks otherwise), channel from the query
// string, Meta seeded, OnCreated hook applied.
func (b *Broker) buildSubscription(r *http.Request, stream StreamWriter, resolver IdentityResolver) *Subscription {
	var ident Identity
	if resolver != nil {
		ident = resolver.Resolve(r)
	}
	if ident.UserID == "" || ident.DisplayName == "" {
		n := anonCounter.Add(1)
		if ident.UserID == "" {
			ident.UserID = "-" + strconv.FormatInt(n, 10)
		}
		if ident.DisplayName == "" {
			ident.DisplayName = fmt.Sprintf("User%d", n)
		}
	}

	sub := NewSubscription(uuid.NewString(), stream, b.metrics, b.logger)
	sub.Channel = r.URL.Query().Get("channel")
	if sub.Channel == "" {
		sub.Channel = UnknownChannel
	}
	sub.UserID = ident.UserID
	sub.UserName = ident.UserName
	sub.SessionID = ident.SessionID
	sub.DisplayName = ident.DisplayName
	sub.IsAuthenticated = ident.Authenticated
	sub.Meta["id"] = sub.ID
	sub.Meta["channel"] = sub.Channel
	sub.Meta["userId"] = sub.UserID
	sub.Meta["displayName"] = sub.DisplayName
	sub.Meta["profileUrl"] = ident.ProfileURL

	if b.opts.OnCreated != nil {
		b.opts.OnCreated(sub)
	}
	return sub
}

// HeartbeatHandler returns the handler for client pings. It reads
// from=<subscriptionId> and pulses the subscription. Unknown ids are a
// silent no-op; the response is always empty.
func (b *Broker) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.Pulse(r.URL.Query().Get("from"))
		w.WriteHeader(http.StatusOK)
	}
}

// SubscribersHandler returns the admin handler listing each live
// subscriber's metadata, optionally filtered by ?channel=.
func (b *Broker) SubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := b.reg.Snapshot(r.URL.Query().Get("channel"))
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			b.logger.Debug().Err(err).Msg("Subscribers response write failed")
		}
	}
}

// UnregisterHandler returns the handler that explicitly unsubscribes
// from=<subscriptionId>. Unknown ids are a silent no-op.
func (b *Broker) UnregisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.Unsubscribe(r.URL.Query().Get("from"))
		w.WriteHeader(http.StatusOK)
	}
}

// PublishRequest is the body of the publish endpoint. Exactly one address
// field should be set; payload is passed through verbatim.
type PublishRequest struct {
	Selector       string          `json:"selector"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	UserName       string          `json:"userName,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
}

// PublishHandler returns the POST handler that injects an event addressed by
// any registry dimension. With no address field set the event goes to every
// subscriber.
func (b *Broker) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Selector == "" {
			http.Error(w, "selector is required", http.StatusBadRequest)
			return
		}
		var payload any
		if len(req.Payload) > 0 {
			payload = req.Payload
		}
		switch {
		case req.SubscriptionID != "":
			b.NotifySubscription(req.SubscriptionID, req.Selector, payload, req.Channel)
		case req.UserID != "":
			b.NotifyUserID(req.UserID, req.Selector, payload, req.Channel)
		case req.UserName != "":
			b.NotifyUserName(req.UserName, req.Selector, payload, req.Channel)
		case req.SessionID != "":
			b.NotifySession(req.SessionID, req.Selector, payload, req.Channel)
		case req.Channel != "":
			b.NotifyChannel(req.Channel, req.Selector, payload)
		default:
			b.NotifyAll(req.Selector, payload)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
