// Package signald is the reference signaling relay the SDK speaks to: one
// process, in-memory rooms, JSON messages relayed between peers by uuid.
package signald

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

const sendBuffer = 32

type peer struct {
	id       string
	room     string
	streamID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (p *peer) trySend(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		// Backpressure: a slow consumer drops rather than stalling the hub.
		log.Warn().Str("module", "signald").Str("id", p.id).Msg("send buffer full, dropping")
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// Hub owns the peer set and the room roster.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
	rooms map[string]map[string]*peer
}

func NewHub() *Hub {
	return &Hub{
		peers: make(map[string]*peer),
		rooms: make(map[string]map[string]*peer),
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	log.Info().Str("module", "signald").Str("id", p.id).Msg("peer connected")
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	room := p.room
	if room != "" {
		delete(h.rooms[room], p.id)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	mates := h.roomMatesLocked(room, p.id)
	h.mu.Unlock()

	p.close()
	// Tell the room the peer is gone so viewers drop their connections.
	bye := mustEncode(&protocol.Message{Type: protocol.KindBye, UUID: p.id})
	for _, m := range mates {
		m.trySend(bye)
	}
	log.Info().Str("module", "signald").Str("id", p.id).Msg("peer disconnected")
}

// roomMatesLocked requires h.mu held at least for reading.
func (h *Hub) roomMatesLocked(room, except string) []*peer {
	var out []*peer
	for id, m := range h.rooms[room] {
		if id != except {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) handle(p *peer, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "signald").Str("id", p.id).Msg("undecodable message")
		p.trySend(mustEncode(&protocol.Message{Type: protocol.KindAlert, Text: "malformed message"}))
		return
	}

	switch msg.Type {
	case protocol.KindJoin:
		h.handleJoin(p, msg)
	case protocol.KindLeave:
		h.handleLeave(p)
	case protocol.KindAnnounce:
		h.handleAnnounce(p, msg)
	case protocol.KindPlay:
		h.relay(p, msg)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate, protocol.KindBye, protocol.KindPipe:
		h.relay(p, msg)
	default:
		log.Debug().Str("module", "signald").Str("type", string(msg.Type)).Msg("ignoring message type")
	}
}

func (h *Hub) handleJoin(p *peer, msg *protocol.Message) {
	h.mu.Lock()
	// Client-minted identity wins unless another live peer holds it.
	if msg.UUID != "" && msg.UUID != p.id && h.peers[msg.UUID] == nil {
		delete(h.peers, p.id)
		p.id = msg.UUID
		h.peers[p.id] = p
	}
	if p.room != "" {
		delete(h.rooms[p.room], p.id)
	}
	p.room = msg.Room
	if h.rooms[p.room] == nil {
		h.rooms[p.room] = make(map[string]*peer)
	}
	h.rooms[p.room][p.id] = p

	var roster []protocol.ListingEntry
	for _, m := range h.rooms[p.room] {
		if m.id != p.id && m.streamID != "" {
			roster = append(roster, protocol.ListingEntry{UUID: m.id, StreamID: m.streamID})
		}
	}
	h.mu.Unlock()

	p.trySend(mustEncode(&protocol.Message{Type: protocol.KindJoined, UUID: p.id, Room: msg.Room}))
	if len(roster) > 0 {
		p.trySend(mustEncode(&protocol.Message{Type: protocol.KindListing, List: roster}))
	}
	log.Info().Str("module", "signald").Str("id", p.id).Str("room", msg.Room).Msg("joined room")
}

func (h *Hub) handleLeave(p *peer) {
	h.mu.Lock()
	room := p.room
	p.room = ""
	p.streamID = ""
	if room != "" {
		delete(h.rooms[room], p.id)
	}
	mates := h.roomMatesLocked(room, p.id)
	h.mu.Unlock()

	bye := mustEncode(&protocol.Message{Type: protocol.KindBye, UUID: p.id})
	for _, m := range mates {
		m.trySend(bye)
	}
}

func (h *Hub) handleAnnounce(p *peer, msg *protocol.Message) {
	h.mu.Lock()
	p.streamID = msg.StreamID
	mates := h.roomMatesLocked(p.room, p.id)
	h.mu.Unlock()

	listing := mustEncode(&protocol.Message{Type: protocol.KindListing, UUID: p.id, StreamID: msg.StreamID})
	for _, m := range mates {
		m.trySend(listing)
	}
	log.Info().Str("module", "signald").Str("id", p.id).Str("streamID", msg.StreamID).Msg("announced")
}

// relay forwards msg to its target peer with the sender's identity stamped
// in. play messages without a target resolve by streamID.
func (h *Hub) relay(p *peer, msg *protocol.Message) {
	h.mu.RLock()
	target := h.peers[msg.UUID]
	if target == nil && msg.Type == protocol.KindPlay && msg.StreamID != "" {
		for _, m := range h.rooms[p.room] {
			if m.streamID == msg.StreamID {
				target = m
				break
			}
		}
	}
	// target.room is written by the target's own read pump under h.mu, so
	// the room check has to happen before the lock is released.
	sameRoom := target != nil && target.room == p.room
	h.mu.RUnlock()

	if !sameRoom {
		log.Debug().Str("module", "signald").Str("type", string(msg.Type)).Str("target", msg.UUID).Msg("relay target unavailable")
		return
	}
	msg.UUID = p.id
	target.trySend(mustEncode(msg))
}

func mustEncode(m *protocol.Message) []byte {
	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signald").Msg("encode")
		return nil
	}
	return data
}
