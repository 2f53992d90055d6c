// Package mesh is the SDK core: it owns the connection registry, drives
// per-remote publisher/viewer negotiation over the signaling transport, and
// routes application data across whichever channels are open.
package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc"
	"github.com/peermesh/peermesh/pkg/transport"
)

// signaler is what the client needs from the signaling transport. The
// production implementation is transport.Client.
type signaler interface {
	Send(m *protocol.Message) bool
	Connected() bool
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	// Host is the ws:// or wss:// signaling server URL.
	Host string
	// Token is an optional bearer token for the signaling server.
	Token string
	// Engine supplies WebRTC sessions; nil selects the pion engine.
	Engine rtc.Engine
	// RTCConfig overrides the ICE server set for peer sessions.
	RTCConfig webrtc.Configuration
	// ViewTimeout bounds how long View polls for an unknown stream.
	ViewTimeout time.Duration
	// HandshakeTimeout bounds the signaling dial.
	HandshakeTimeout time.Duration
}

const defaultViewTimeout = 10 * time.Second

// Client is one local identity on the mesh. It may hold up to two
// connections (publisher and viewer) per remote peer.
type Client struct {
	opts   Options
	id     string
	engine rtc.Engine

	signaler signaler
	ts       *transport.Client

	reg    *registry
	events *eventBus

	mu   sync.Mutex
	room *roomSession
}

// New builds a Client. The local identity is minted immediately so glare
// resolution is stable from the first message.
func New(opts Options) *Client {
	if opts.ViewTimeout == 0 {
		opts.ViewTimeout = defaultViewTimeout
	}
	engine := opts.Engine
	if engine == nil {
		engine = rtc.NewEngine()
	}
	c := &Client{
		opts:   opts,
		id:     uuid.NewString(),
		engine: engine,
		reg:    newRegistry(),
		events: newEventBus(),
	}
	return c
}

// ID is the local identity other peers address this client by.
func (c *Client) ID() string { return c.id }

// On registers a listener for kind and returns a handle for Off.
func (c *Client) On(kind EventKind, fn Listener) int { return c.events.on(kind, fn) }

// Off removes a listener registered with On.
func (c *Client) Off(kind EventKind, id int) { c.events.off(kind, id) }

// Connect opens the signaling socket. It resolves once the socket is open.
func (c *Client) Connect(ctx context.Context) error {
	ts := transport.New(transport.Options{
		URL:              c.opts.Host,
		Token:            c.opts.Token,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	})
	ts.OnMessage(c.dispatch)
	ts.OnStateChange(func(connected bool) {
		if connected {
			c.events.emit(Event{Kind: EventConnected})
			c.rejoinAfterReconnect()
		} else {
			c.events.emit(Event{Kind: EventDisconnected})
		}
	})
	if err := ts.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.ts = ts
	c.signaler = ts
	c.mu.Unlock()
	return nil
}

// rejoinAfterReconnect replays the room membership after the transport
// recovered from an unexpected closure, so listings flow again.
func (c *Client) rejoinAfterReconnect() {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || !room.joined {
		return
	}
	log.Info().Str("module", "mesh").Str("room", room.name).Msg("replaying room join after reconnect")
	c.signaler.Send(&protocol.Message{Type: protocol.KindJoin, UUID: c.id, Room: room.name, Token: room.proof})
	if room.streamID != "" {
		c.signaler.Send(&protocol.Message{Type: protocol.KindAnnounce, UUID: c.id, StreamID: room.streamID})
	}
}

// Disconnect tears down every connection, then the room, then the
// transport, in that order so no per-connection event fires after the
// socket is gone.
func (c *Client) Disconnect() {
	for _, conn := range c.reg.all() {
		c.closeConnection(conn, true)
	}
	c.reg.drain()

	c.mu.Lock()
	c.room = nil
	ts := c.ts
	c.ts = nil
	c.mu.Unlock()

	if ts != nil {
		ts.Close()
	}
	log.Info().Str("module", "mesh").Str("id", c.id).Msg("disconnected")
}

// Connections returns a snapshot of live connections, read-only.
func (c *Client) Connections() []*Connection {
	return c.reg.all()
}
