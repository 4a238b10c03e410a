package sse

import (
	"time"

	"github.com/rs/zerolog"
)

// Selectors the broker emits itself. Everything else is opaque and passed
// through verbatim.
const (
	SelectorOnConnect   = "cmd.onConnect"
	SelectorOnJoin      = "cmd.onJoin"
	SelectorOnLeave     = "cmd.onLeave"
	SelectorOnHeartbeat = "cmd.onHeartbeat"
)

// Recorder receives broker events for metrics. NewBroker uses a no-op
// recorder when Options.Metrics is nil.
type Recorder interface {
	SubscriptionOpened()
	SubscriptionClosed()
	FrameSent(bytes int)
	HeartbeatReceived()
	SubscriptionExpired()
}

type nopRecorder struct{}

func (nopRecorder) SubscriptionOpened()  {}
func (nopRecorder) SubscriptionClosed()  {}
func (nopRecorder) FrameSent(int)        {}
func (nopRecorder) HeartbeatReceived()   {}
func (nopRecorder) SubscriptionExpired() {}

// Options configures a broker.
type Options struct {
	// Timeout is the LastPulseAt age beyond which a subscription is reaped
	// on the next publish that reaches it. Zero disables expiry.
	Timeout time.Duration

	// HeartbeatInterval is advertised to clients in cmd.onConnect.
	HeartbeatInterval time.Duration

	// NotifyChannelOfSubscriptions broadcasts cmd.onJoin and cmd.onLeave
	// to a subscription's channel as it comes and goes.
	NotifyChannelOfSubscriptions bool

	// HeartbeatAck publishes cmd.onHeartbeat back to a subscription after
	// each successful pulse.
	HeartbeatAck bool

	// OnCreated runs after the stream handler builds a subscription and
	// before it is registered; it may extend Meta.
	OnCreated func(*Subscription)

	// OnSubscribe runs inside Register, after the subscription is in all
	// indices. An error fails Register.
	OnSubscribe func(*Subscription) error

	// OnUnsubscribe runs inside the unregister sequence. Errors on this
	// path are logged and swallowed.
	OnUnsubscribe func(*Subscription) error

	Metrics Recorder
	Logger  zerolog.Logger
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:                      30 * time.Second,
		HeartbeatInterval:            10 * time.Second,
		NotifyChannelOfSubscriptions: true,
		HeartbeatAck:                 true,
		Metrics:                      nopRecorder{},
		Logger:                       zerolog.Nop(),
	}
}

// Broker is the in-memory event broker: it registers subscriptions into the
// five-dimension registry and fans out named messages to subscribers
// addressed by any dimension. Expiry is opportunistic — a silent subscriber
// is reaped by the next publish that reaches it, not by a background reaper.
type Broker struct {
	opts    Options
	reg     Registry
	metrics Recorder
	logger  zerolog.Logger
}

// NewBroker creates a broker. Zero fields in opts fall back to defaults where
// a zero value is not meaningful.
func NewBroker(opts Options) *Broker {
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Broker{
		opts:    opts,
		reg:     newRegistry(),
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "broker").Logger(),
	}
}

// Registry exposes the underlying registry for admin queries.
func (b *Broker) Registry() *Registry { return &b.reg }

// Options returns the broker's configuration.
func (b *Broker) Options() Options { return b.opts }

// Register inserts sub into all five indices and arms its unsubscribe
// callback. The subscription's registration lock is held across the whole
// sequence, so the subscription is externally observable either in every
// index or in none. An OnSubscribe hook error fails Register; any entries
// already populated are cleaned up by the expiry path on a later publish if
// the caller does not unsubscribe.
func (b *Broker) Register(sub *Subscription) error {
	if sub.Channel == "" {
		sub.Channel = UnknownChannel
	}

	sub.regMu.Lock()
	sub.setOnUnsubscribe(b.handleUnregister)
	b.reg.insert(sub)
	var err error
	if b.opts.OnSubscribe != nil {
		err = b.opts.OnSubscribe(sub)
	}
	sub.regMu.Unlock()

	if err != nil {
		return err
	}
	b.metrics.SubscriptionOpened()
	b.logger.Debug().
		Str("subscription", sub.ID).
		Str("channel", sub.Channel).
		Str("user_id", sub.UserID).
		Msg("Subscription registered")

	if b.opts.NotifyChannelOfSubscriptions && sub.Channel != "" {
		b.NotifyChannel(sub.Channel, SelectorOnJoin, sub.Meta)
	}
	return nil
}

// handleUnregister is armed as every subscription's unsubscribe callback. It
// removes the subscription from all indices, runs the external hook, and
// disposes the stream, all under the subscription's registration lock.
func (b *Broker) handleUnregister(sub *Subscription) {
	sub.regMu.Lock()
	b.reg.remove(sub)
	if b.opts.OnUnsubscribe != nil {
		if err := b.opts.OnUnsubscribe(sub); err != nil {
			b.logger.Error().Err(err).Str("subscription", sub.ID).Msg("OnUnsubscribe hook failed")
		}
	}
	sub.Dispose()
	sub.regMu.Unlock()

	b.metrics.SubscriptionClosed()
	b.logger.Debug().Str("subscription", sub.ID).Msg("Subscription removed")

	if b.opts.NotifyChannelOfSubscriptions && sub.Channel != "" {
		b.NotifyChannel(sub.Channel, SelectorOnLeave, sub.Meta)
	}
}

// notify fans (selector, payload) out to every subscriber under key in the
// given index, optionally filtered by channel. A subscriber past its idle
// timeout still receives this frame, then is unsubscribed once the sweep
// completes.
func (b *Broker) notify(ix *subIndex, key, selector string, payload any, channelFilter string) {
	l := ix.lookup(key)
	if l == nil {
		return
	}
	now := time.Now()
	var expired []*Subscription
	l.each(func(sub *Subscription) {
		if channelFilter != "" && sub.Channel != channelFilter {
			return
		}
		if b.opts.Timeout > 0 && now.Sub(sub.LastPulseAt()) > b.opts.Timeout {
			expired = append(expired, sub)
		}
		sub.Publish(selector, payload)
	})
	for _, sub := range expired {
		b.logger.Info().
			Str("subscription", sub.ID).
			Time("last_pulse", sub.LastPulseAt()).
			Msg("Reaping silent subscription")
		b.metrics.SubscriptionExpired()
		sub.Unsubscribe()
	}
}

// NotifyAll publishes to every live subscription.
func (b *Broker) NotifyAll(selector string, payload any) {
	now := time.Now()
	var expired []*Subscription
	b.reg.bySubID.eachAll(func(sub *Subscription) {
		if b.opts.Timeout > 0 && now.Sub(sub.LastPulseAt()) > b.opts.Timeout {
			expired = append(expired, sub)
		}
		sub.Publish(selector, payload)
	})
	for _, sub := range expired {
		b.metrics.SubscriptionExpired()
		sub.Unsubscribe()
	}
}

// NotifyChannel publishes to every subscription on the channel. The channel
// name is the key itself; UnknownChannel is a literal name, not a wildcard.
func (b *Broker) NotifyChannel(channel, selector string, payload any) {
	b.notify(&b.reg.byChannel, channel, selector, payload, "")
}

// NotifyUserID publishes to every subscription of the user, optionally
// restricted to one channel.
func (b *Broker) NotifyUserID(userID, selector string, payload any, channelFilter string) {
	b.notify(&b.reg.byUserID, userID, selector, payload, channelFilter)
}

// NotifyUserName publishes to every subscription under the user name,
// optionally restricted to one channel.
func (b *Broker) NotifyUserName(userName, selector string, payload any, channelFilter string) {
	b.notify(&b.reg.byUserName, userName, selector, payload, channelFilter)
}

// NotifySession publishes to every subscription of the session, optionally
// restricted to one channel.
func (b *Broker) NotifySession(sessionID, selector string, payload any, channelFilter string) {
	b.notify(&b.reg.bySession, sessionID, selector, payload, channelFilter)
}

// NotifySubscription publishes to the single subscription with the id,
// optionally restricted to one channel.
func (b *Broker) NotifySubscription(id, selector string, payload any, channelFilter string) {
	b.notify(&b.reg.bySubID, id, selector, payload, channelFilter)
}

// Pulse marks the subscription alive. Unknown ids are a silent no-op; the
// return value reports whether the subscription was found.
func (b *Broker) Pulse(id string) bool {
	sub := b.reg.GetSubscription(id)
	if sub == nil {
		return false
	}
	sub.Pulse()
	b.metrics.HeartbeatReceived()
	if b.opts.HeartbeatAck {
		sub.Publish(SelectorOnHeartbeat, nil)
	}
	return true
}

// Unsubscribe removes the subscription with the id. Unknown ids are a silent
// no-op.
func (b *Broker) Unsubscribe(id string) bool {
	sub := b.reg.GetSubscription(id)
	if sub == nil {
		return false
	}
	sub.Unsubscribe()
	return true
}

// Close unsubscribes every live subscription. Used on server shutdown.
func (b *Broker) Close() {
	var subs []*Subscription
	b.reg.bySubID.eachAll(func(sub *Subscription) {
		subs = append(subs, sub)
	})
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
