package mesh

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

// roomSession is the local identity inside a signaling room. One per
// client.
type roomSession struct {
	name     string
	streamID string
	proof    string
	joined   bool
	ack      chan struct{}
	tracks   []webrtc.TrackLocal
}

// JoinOptions name the room and an optional shared password.
type JoinOptions struct {
	Room     string
	Password string
}

const viewPollInterval = 200 * time.Millisecond

// JoinRoom establishes the room session and resolves once the server
// acknowledges membership.
func (c *Client) JoinRoom(ctx context.Context, opts JoinOptions) error {
	c.mu.Lock()
	if c.signaler == nil {
		c.mu.Unlock()
		return &protocol.TransportError{Op: "join", Err: context.Canceled}
	}
	room := &roomSession{
		name: opts.Room,
		ack:  make(chan struct{}),
	}
	if opts.Password != "" {
		room.proof = roomProof(opts.Password, opts.Room)
	}
	c.room = room
	c.mu.Unlock()

	if !c.signaler.Send(&protocol.Message{Type: protocol.KindJoin, UUID: c.id, Room: opts.Room, Token: room.proof}) {
		return &protocol.TransportError{Op: "join", Err: errNotConnected}
	}

	select {
	case <-room.ack:
		log.Info().Str("module", "mesh").Str("room", opts.Room).Str("id", c.id).Msg("joined room")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleJoined(m *protocol.Message) {
	c.mu.Lock()
	room := c.room
	if room == nil || room.joined {
		c.mu.Unlock()
		return
	}
	// The server may have re-keyed us on an identity collision.
	if m.UUID != "" {
		c.id = m.UUID
	}
	room.joined = true
	c.mu.Unlock()
	close(room.ack)
}

// AnnounceOptions declare the local publisher identity.
type AnnounceOptions struct {
	StreamID string
}

// Announce declares the local stream. Listings reach the rest of the room;
// whether they respond with View calls is their policy, not ours.
func (c *Client) Announce(opts AnnounceOptions) bool {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		log.Warn().Str("module", "mesh").Msg("announce without a room")
		return false
	}
	room.streamID = opts.StreamID
	return c.signaler.Send(&protocol.Message{Type: protocol.KindAnnounce, UUID: c.id, StreamID: opts.StreamID})
}

// View requests streamID from whichever peer announced it. The stream may
// not be listed yet; View polls the index until the deadline and resolves
// false ("not ready", not an error) so callers can retry.
func (c *Client) View(ctx context.Context, streamID string) bool {
	deadline := time.Now().Add(c.opts.ViewTimeout)
	for {
		if owner, ok := c.reg.uuidForStream(streamID); ok {
			c.signaler.Send(&protocol.Message{Type: protocol.KindPlay, UUID: owner, StreamID: streamID})
			return true
		}
		if time.Now().After(deadline) {
			log.Debug().Str("module", "mesh").Str("streamID", streamID).Msg("view: stream not listed before deadline")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(viewPollInterval):
		}
	}
}

// handlePlay is the publisher side of View: a remote asked for our stream,
// so open the publisher-role connection, create the channel and send the
// offer.
func (c *Client) handlePlay(m *protocol.Message) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || room.streamID == "" || room.streamID != m.StreamID {
		log.Debug().Str("module", "mesh").Str("streamID", m.StreamID).Msg("play for a stream we do not publish")
		return
	}

	if existing, ok := c.reg.get(m.UUID, protocol.RolePublisher); ok {
		// Idempotent re-request: a live pair keeps serving, anything else
		// is replaced wholesale.
		if existing.State() == StateConnected || existing.State() == StateNegotiating {
			return
		}
		c.closeConnection(existing, false)
	}

	conn, err := c.newConnection(m.UUID, protocol.RolePublisher, room.streamID, true)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("uuid", m.UUID).Msg("publisher session create")
		c.events.emit(Event{Kind: EventError, UUID: m.UUID, Err: err})
		return
	}
	ch, err := conn.session.CreateDataChannel(room.streamID)
	if err != nil {
		c.failConnection(conn, err)
		return
	}
	c.adoptChannel(conn, ch)

	for _, track := range room.tracks {
		if err := conn.session.AddTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("uuid", m.UUID).Msg("track attach failed")
		}
	}

	if prev := c.reg.put(conn); prev != nil {
		c.closeConnection(prev, false)
	}
	c.startNegotiating(conn)

	offer, err := conn.session.CreateOffer(nil)
	if err != nil {
		c.failConnection(conn, err)
		return
	}
	if err := conn.session.SetLocalDescription(offer); err != nil {
		c.failConnection(conn, err)
		return
	}
	c.signaler.Send(&protocol.Message{
		Type:     protocol.KindOffer,
		UUID:     m.UUID,
		Role:     protocol.RolePublisher,
		SDP:      offer.SDP,
		StreamID: room.streamID,
	})
}

// LeaveRoom closes every connection, announces departure and forgets the
// room session. The transport stays up.
func (c *Client) LeaveRoom() {
	for _, conn := range c.reg.all() {
		c.closeConnection(conn, true)
	}
	c.reg.drain()

	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()
	if room != nil {
		c.signaler.Send(&protocol.Message{Type: protocol.KindLeave, UUID: c.id})
		log.Info().Str("module", "mesh").Str("room", room.name).Msg("left room")
	}
}
