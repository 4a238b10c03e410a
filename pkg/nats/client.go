package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config holds the NATS connection settings.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// Client wraps a NATS connection used as an inbound event source. Broker
// state is never published back; messages flow one way, NATS -> broker.
type Client struct {
	conn      *nats.Conn
	subs      map[string]*nats.Subscription
	subsMutex sync.Mutex
	logger    zerolog.Logger

	statsMutex   sync.Mutex
	msgsReceived int64
}

// NewClient connects to NATS with reconnect handling.
func NewClient(config Config, logger zerolog.Logger) (*Client, error) {
	client := &Client{
		subs:   make(map[string]*nats.Subscription),
		logger: logger.With().Str("component", "nats").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.PingInterval(config.PingInterval),
		nats.ConnectHandler(func(conn *nats.Conn) {
			client.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			client.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			client.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			client.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	client.conn = conn
	return client, nil
}

// Subscribe registers a handler for a subject pattern.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		c.statsMutex.Lock()
		c.msgsReceived++
		c.statsMutex.Unlock()
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Stats returns connection statistics for the admin surface.
func (c *Client) Stats() map[string]any {
	c.statsMutex.Lock()
	received := c.msgsReceived
	c.statsMutex.Unlock()

	return map[string]any{
		"connected":     c.IsConnected(),
		"msgs_received": received,
		"reconnects":    c.conn.Stats().Reconnects,
	}
}

// Close unsubscribes every subscription, then drains and closes the
// connection.
func (c *Client) Close() error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("Unsubscribe failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
