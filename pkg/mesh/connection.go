package mesh

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc"
)

// ConnState is the per-connection negotiation state.
type ConnState int

const (
	StateNew ConnState = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const negotiationTimeout = 15 * time.Second

// Connection is one negotiated session to one remote in one role. At most
// one Connection per (uuid, role) exists at a time; a remote may hold both
// roles simultaneously (dual connection).
type Connection struct {
	UUID     string
	Role     protocol.Role
	StreamID string

	mu           sync.Mutex
	state        ConnState
	session      rtc.Session
	channel      rtc.Channel
	wantsChannel bool
	lastActivity time.Time
	timer        *time.Timer
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the message channel, nil until open.
func (c *Connection) Channel() rtc.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// newConnection builds a Connection around a fresh session and wires the
// session callbacks back into the client. The caller registers it and
// drives the offer/answer exchange.
func (c *Client) newConnection(uuid string, role protocol.Role, streamID string, wantsChannel bool) (*Connection, error) {
	sess, err := c.engine.NewSession(c.opts.RTCConfig)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		UUID:         uuid,
		Role:         role,
		StreamID:     streamID,
		state:        StateNew,
		session:      sess,
		wantsChannel: wantsChannel,
		lastActivity: time.Now(),
	}

	sess.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		msg := &protocol.Message{
			Type:      protocol.KindCandidate,
			UUID:      uuid,
			Role:      role,
			Candidate: cand.Candidate,
		}
		if cand.SDPMid != nil {
			msg.SDPMid = *cand.SDPMid
		}
		msg.SDPMLineIndex = cand.SDPMLineIndex
		c.signaler.Send(msg)
	})

	sess.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			conn.touch()
			c.maybeConnected(conn)
		case webrtc.PeerConnectionStateFailed:
			c.failConnection(conn, nil)
		case webrtc.PeerConnectionStateClosed:
			c.closeConnection(conn, false)
		}
	})

	// Viewer side: the publisher opens the channel, we adopt it on arrival.
	sess.OnDataChannel(func(ch rtc.Channel) {
		c.adoptChannel(conn, ch)
	})

	return conn, nil
}

// adoptChannel binds ch to conn and wires its lifecycle into events and the
// connected-state check.
func (c *Client) adoptChannel(conn *Connection, ch rtc.Channel) {
	conn.mu.Lock()
	conn.channel = ch
	conn.mu.Unlock()

	ch.OnOpen(func() {
		log.Info().Str("module", "mesh").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("data channel open")
		conn.touch()
		c.events.emit(Event{Kind: EventDataChannelOpen, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
		c.maybeConnected(conn)
	})
	ch.OnClose(func() {
		c.events.emit(Event{Kind: EventDataChannelClose, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
		c.closeConnection(conn, false)
	})
	ch.OnMessage(func(data []byte) {
		conn.touch()
		c.events.emit(Event{Kind: EventDataReceived, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID, Data: data})
	})

	// A channel created before negotiation reports open only later; one
	// adopted mid-session may already be usable.
	if ch.Ready() {
		c.events.emit(Event{Kind: EventDataChannelOpen, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
		c.maybeConnected(conn)
	}
}

// startNegotiating flips the state and arms the bounded answer wait.
func (c *Client) startNegotiating(conn *Connection) {
	conn.mu.Lock()
	conn.state = StateNegotiating
	conn.timer = time.AfterFunc(negotiationTimeout, func() {
		if conn.State() == StateNegotiating {
			log.Warn().Str("module", "mesh").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("negotiation timed out")
			c.failConnection(conn, nil)
		}
	})
	conn.mu.Unlock()
}

// maybeConnected promotes negotiating connections once the session is up
// and the channel, when one is expected, is open.
func (c *Client) maybeConnected(conn *Connection) {
	conn.mu.Lock()
	if conn.state != StateNegotiating {
		conn.mu.Unlock()
		return
	}
	sessionUp := conn.session.ConnectionState() == webrtc.PeerConnectionStateConnected
	channelUp := !conn.wantsChannel || (conn.channel != nil && conn.channel.Ready())
	if !sessionUp || !channelUp {
		conn.mu.Unlock()
		return
	}
	conn.state = StateConnected
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	conn.mu.Unlock()

	log.Info().Str("module", "mesh").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("peer connected")
	c.events.emit(Event{Kind: EventPeerConnected, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
}

// failConnection moves conn to the absorbing failed state, unregisters it
// and tears the session down. A fresh connection may be created on retry.
func (c *Client) failConnection(conn *Connection, err error) {
	conn.mu.Lock()
	if conn.state == StateFailed || conn.state == StateClosed {
		conn.mu.Unlock()
		return
	}
	conn.state = StateFailed
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	sess := conn.session
	conn.mu.Unlock()

	c.reg.remove(conn.UUID, conn.Role)
	if sess != nil {
		_ = sess.Close()
	}
	log.Warn().Err(err).Str("module", "mesh").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("connection failed")
	if err != nil {
		c.events.emit(Event{Kind: EventError, UUID: conn.UUID, Role: conn.Role, Err: err})
	}
	c.events.emit(Event{Kind: EventPeerDisconnected, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
}

// closeConnection is the orderly teardown path. sendBye controls whether
// the remote is told; remote-initiated closes pass false.
func (c *Client) closeConnection(conn *Connection, sendBye bool) {
	conn.mu.Lock()
	if conn.state == StateClosed || conn.state == StateFailed {
		conn.mu.Unlock()
		return
	}
	wasConnected := conn.state == StateConnected
	conn.state = StateClosed
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	sess := conn.session
	conn.mu.Unlock()

	c.reg.remove(conn.UUID, conn.Role)
	if sendBye {
		c.signaler.Send(&protocol.Message{Type: protocol.KindBye, UUID: conn.UUID, Role: conn.Role})
	}
	if sess != nil {
		_ = sess.Close()
	}
	log.Info().Str("module", "mesh").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("connection closed")
	if wasConnected {
		c.events.emit(Event{Kind: EventPeerDisconnected, UUID: conn.UUID, Role: conn.Role, StreamID: conn.StreamID})
	}
}
