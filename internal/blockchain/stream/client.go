// Package stream subscribes to a node event stream over websocket and turns
// its messages into monitor push notifications.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paygate/internal/monitor"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	notificationBuffer      = 100
)

// message is the wire format of both the subscribe request and notifications
type message struct {
	Type          string   `json:"type"`
	Hash          string   `json:"hash,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	Confirmations int64    `json:"confirmations,omitempty"`
	Failed        bool     `json:"failed,omitempty"`
	Height        int64    `json:"height,omitempty"`
	Currencies    []string `json:"currencies,omitempty"`
}

// Config configures a stream client
type Config struct {
	Endpoint   string
	Currencies []string
	// PingInterval is how often a ping is sent; the read deadline is twice this
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// Client implements monitor.PushSource. Each Subscribe opens a new connection.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *zap.Logger
}

var _ monitor.PushSource = (*Client)(nil)

// NewClient creates a stream client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.Named("stream"),
	}
}

// Subscribe dials the endpoint and sends the subscription request. The
// returned channel is closed when the connection drops or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan monitor.PushNotification, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	sub := message{Type: "subscribe", Currencies: c.cfg.Currencies}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	out := make(chan monitor.PushNotification, notificationBuffer)
	s := &session{
		conn:   conn,
		out:    out,
		done:   make(chan struct{}),
		ping:   c.cfg.PingInterval,
		logger: c.logger,
	}
	go s.readLoop(ctx)
	go s.keepalive(ctx)

	c.logger.Info("Subscribed to node event stream",
		zap.String("endpoint", c.cfg.Endpoint),
		zap.Strings("currencies", c.cfg.Currencies))

	return out, nil
}

// session is one live connection
type session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	out       chan monitor.PushNotification
	done      chan struct{}
	closeOnce sync.Once
	ping      time.Duration
	logger    *zap.Logger
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) readLoop(ctx context.Context) {
	defer close(s.out)
	defer s.close()

	s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	})

	for {
		var msg message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Event stream read failed", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))

		n, ok := toNotification(msg)
		if !ok {
			s.logger.Debug("Ignoring stream message", zap.String("type", msg.Type))
			continue
		}

		select {
		case s.out <- n:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// keepalive pings the server and closes the connection on ctx cancellation
func (s *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			s.close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ping))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("Event stream ping failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func toNotification(msg message) (monitor.PushNotification, bool) {
	switch monitor.PushKind(msg.Type) {
	case monitor.PushTransaction:
		if msg.Hash == "" {
			return monitor.PushNotification{}, false
		}
		return monitor.PushNotification{
			Kind:          monitor.PushTransaction,
			Hash:          msg.Hash,
			Currency:      strings.ToUpper(msg.Currency),
			Confirmations: msg.Confirmations,
			Failed:        msg.Failed,
		}, true
	case monitor.PushBlock:
		if msg.Currency == "" {
			return monitor.PushNotification{}, false
		}
		return monitor.PushNotification{
			Kind:     monitor.PushBlock,
			Currency: strings.ToUpper(msg.Currency),
			Height:   msg.Height,
		}, true
	default:
		return monitor.PushNotification{}, false
	}
}

// Decode parses a single stream message, mainly for tooling and tests
func Decode(data []byte) (monitor.PushNotification, bool, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return monitor.PushNotification{}, false, fmt.Errorf("decode stream message: %w", err)
	}
	n, ok := toNotification(msg)
	return n, ok, nil
}
