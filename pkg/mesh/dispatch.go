package mesh

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

// dispatch routes one inbound signaling message. Pure routing and role
// selection; business rules live in the lifecycle and connection code.
func (c *Client) dispatch(m *protocol.Message) {
	switch m.Type {
	case protocol.KindOffer:
		c.handleOffer(m)
	case protocol.KindAnswer:
		c.handleAnswer(m)
	case protocol.KindCandidate:
		c.handleCandidate(m)
	case protocol.KindListing:
		c.handleListing(m)
	case protocol.KindPlay:
		c.handlePlay(m)
	case protocol.KindBye:
		c.handleBye(m)
	case protocol.KindAlert:
		c.events.emit(Event{Kind: EventAlert, UUID: m.UUID, Message: m.Text})
	case protocol.KindJoined:
		c.handleJoined(m)
	case protocol.KindPipe:
		// WebSocket fallback delivery path.
		c.events.emit(Event{Kind: EventDataReceived, UUID: m.UUID, Data: m.Data})
	default:
		log.Debug().Str("module", "mesh.dispatch").Str("type", string(m.Type)).Msg("unhandled message type")
	}
}

// handleOffer creates (or, under glare, re-creates) the local connection in
// the role opposite to the offerer's declared one and answers it.
func (c *Client) handleOffer(m *protocol.Message) {
	localRole := m.Role.Opposite()

	if existing, ok := c.reg.get(m.UUID, localRole); ok {
		if existing.State() == StateNegotiating && !defersTo(c.id, m.UUID) {
			// Glare, and we hold the larger identity: our own offer stands,
			// the remote is expected to answer it.
			log.Debug().Str("module", "mesh.dispatch").Str("uuid", m.UUID).Msg("glare: ignoring inbound offer, awaiting answer")
			return
		}
		// Either a stale session or glare we lose: discard ours, take theirs.
		c.closeConnection(existing, false)
	}

	conn, err := c.newConnection(m.UUID, localRole, m.StreamID, true)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.dispatch").Str("uuid", m.UUID).Msg("session create")
		c.events.emit(Event{Kind: EventError, UUID: m.UUID, Err: err})
		return
	}
	if prev := c.reg.put(conn); prev != nil {
		c.closeConnection(prev, false)
	}
	c.startNegotiating(conn)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}
	if err := conn.session.SetRemoteDescription(offer); err != nil {
		c.failConnection(conn, &protocol.ProtocolError{Kind: protocol.KindOffer, Reason: "malformed sdp", Err: err})
		return
	}
	answer, err := conn.session.CreateAnswer()
	if err != nil {
		c.failConnection(conn, err)
		return
	}
	if err := conn.session.SetLocalDescription(answer); err != nil {
		c.failConnection(conn, err)
		return
	}
	c.signaler.Send(&protocol.Message{
		Type: protocol.KindAnswer,
		UUID: m.UUID,
		Role: localRole,
		SDP:  answer.SDP,
	})
}

// handleAnswer applies a remote answer to the connection we offered. An
// answer for an unknown connection never creates state: stale or spoofed
// arrivals are dropped with a debug log.
func (c *Client) handleAnswer(m *protocol.Message) {
	conn, ok := c.lookupForMessage(m)
	if !ok {
		log.Debug().Str("module", "mesh.dispatch").Str("uuid", m.UUID).Msg("answer for unknown connection dropped")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}
	if err := conn.session.SetRemoteDescription(answer); err != nil {
		c.failConnection(conn, &protocol.ProtocolError{Kind: protocol.KindAnswer, Reason: "answer apply failed", Err: err})
		return
	}
	conn.touch()
}

func (c *Client) handleCandidate(m *protocol.Message) {
	conn, ok := c.lookupForMessage(m)
	if !ok {
		log.Debug().Str("module", "mesh.dispatch").Str("uuid", m.UUID).Msg("candidate for unknown connection dropped")
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: m.Candidate}
	if m.SDPMid != "" {
		mid := m.SDPMid
		cand.SDPMid = &mid
	}
	cand.SDPMLineIndex = m.SDPMLineIndex
	if err := conn.session.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "mesh.dispatch").Str("uuid", m.UUID).Msg("candidate rejected")
	}
}

// lookupForMessage finds the connection a non-offer message belongs to.
// The sender stamps its own role, so locally the pair is the opposite; a
// message without a role falls back to probing both.
func (c *Client) lookupForMessage(m *protocol.Message) (*Connection, bool) {
	if m.Role != "" {
		conn, ok := c.reg.get(m.UUID, m.Role.Opposite())
		return conn, ok
	}
	for _, role := range []protocol.Role{protocol.RolePublisher, protocol.RoleViewer} {
		if conn, ok := c.reg.get(m.UUID, role); ok {
			return conn, true
		}
	}
	return nil, false
}

// handleListing feeds the streamID index and surfaces the roster to
// lifecycle listeners. It never creates connections: viewing stays an
// explicit caller decision.
func (c *Client) handleListing(m *protocol.Message) {
	if m.StreamID != "" && m.UUID != "" {
		c.reg.setStream(m.StreamID, m.UUID)
		c.events.emit(Event{Kind: EventListing, UUID: m.UUID, StreamID: m.StreamID})
	}
	for _, entry := range m.List {
		c.reg.setStream(entry.StreamID, entry.UUID)
		c.events.emit(Event{Kind: EventListing, UUID: entry.UUID, StreamID: entry.StreamID})
	}
}

func (c *Client) handleBye(m *protocol.Message) {
	roles := []protocol.Role{protocol.RolePublisher, protocol.RoleViewer}
	if m.Role != "" {
		roles = []protocol.Role{m.Role.Opposite()}
	}
	for _, role := range roles {
		if conn, ok := c.reg.get(m.UUID, role); ok {
			c.closeConnection(conn, false)
		}
	}
	c.reg.dropStreamsOf(m.UUID)
}
