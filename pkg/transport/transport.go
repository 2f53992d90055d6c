// Package transport maintains the persistent WebSocket connection to the
// signaling server: JSON control messages out, dispatcher input in, and
// bounded reconnect-with-backoff on unexpected closure.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeDeadline           = 5 * time.Second
)

// Reconnect ceilings. Variables so tests can shrink them.
var (
	maxReconnectInterval = 30 * time.Second
	maxReconnectElapsed  = 2 * time.Minute
)

// Options configures a Client.
type Options struct {
	// URL is the ws:// or wss:// signaling endpoint.
	URL string
	// Token, when set, is attached as a bearer token query parameter.
	Token string
	// HandshakeTimeout bounds the dial; zero means 10s.
	HandshakeTimeout time.Duration
}

// Client is the signaling socket. Send never blocks on the network state:
// when the socket is down it logs and reports false, and callers needing
// confirmation must check the return value.
type Client struct {
	opts Options

	onMessage func(*protocol.Message)
	onState   func(connected bool)

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool // terminal, set by Close
}

func New(opts Options) *Client {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{opts: opts}
}

// OnMessage sets the inbound message handler. Must be called before Connect.
func (c *Client) OnMessage(fn func(*protocol.Message)) { c.onMessage = fn }

// OnStateChange sets the connectivity observer. Socket loss is recovered
// silently; false fires only once the retry ceiling is exhausted, and that
// notification is terminal.
func (c *Client) OnStateChange(fn func(connected bool)) { c.onState = fn }

// Connect dials the signaling server and starts the read pump. It returns
// once the socket is open or with an error on timeout or terminal failure.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return &protocol.TransportError{Op: "connect", Err: err}
	}
	c.adopt(conn)
	go c.readPump(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target := c.opts.URL
	if c.opts.Token != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()
	log.Info().Str("module", "transport").Str("url", c.opts.URL).Msg("signaling connected")
	if c.onState != nil {
		c.onState(true)
	}
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send serializes m onto the socket. A closed socket is not exceptional:
// the miss is logged and false returned.
func (c *Client) Send(m *protocol.Message) bool {
	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("encode")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.conn == nil {
		log.Debug().Str("module", "transport").Str("type", string(m.Type)).Msg("send on closed socket dropped")
		return false
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("write")
		return false
	}
	return true
}

// Close tears the socket down and suppresses reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			terminal := c.closed
			c.open = false
			c.mu.Unlock()
			if terminal {
				return
			}
			log.Warn().Err(err).Str("module", "transport").Msg("signaling socket lost")
			c.reconnect()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "transport").Msg("dropping undecodable message")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// reconnect retries the dial with exponential backoff up to a ceiling.
// Exhausting the ceiling is terminal and surfaces the only disconnected
// notification consumers ever see. Explicit Close during the wait aborts it.
func (c *Client) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = maxReconnectElapsed

	err := backoff.Retry(func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(context.Canceled)
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("module", "transport").Msg("reconnect attempt failed")
			return err
		}
		c.adopt(conn)
		go c.readPump(conn)
		return nil
	}, bo)

	if err != nil {
		c.mu.Lock()
		terminal := c.closed
		c.closed = true
		c.mu.Unlock()
		if terminal {
			// Explicit Close aborted the wait; the caller already knows.
			return
		}
		log.Error().Err(err).Str("module", "transport").Msg("reconnect ceiling reached")
		if c.onState != nil {
			c.onState(false)
		}
	}
}
