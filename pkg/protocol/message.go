// Package protocol defines the signaling wire messages exchanged between
// peers and the signaling server, and the error taxonomy shared by the
// transport and negotiation layers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags a signaling message.
type Kind string

const (
	// Dispatcher inputs.
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindListing   Kind = "listing"
	KindBye       Kind = "bye"
	KindAlert     Kind = "alert"

	// Room lifecycle requests and acks.
	KindJoin     Kind = "join"
	KindJoined   Kind = "joined"
	KindLeave    Kind = "leave"
	KindAnnounce Kind = "announce"
	KindPlay     Kind = "play"

	// WebSocket data fallback envelope.
	KindPipe Kind = "pipe"
)

// Role names the side a connection plays in a negotiated session.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleViewer    Role = "viewer"
)

// Opposite returns the peer role of r.
func (r Role) Opposite() Role {
	if r == RolePublisher {
		return RoleViewer
	}
	return RolePublisher
}

// ListingEntry is one roster row in a listing message.
type ListingEntry struct {
	UUID     string `json:"uuid"`
	StreamID string `json:"streamID"`
}

// Message is the tagged union carried over the signaling transport.
// Only the fields relevant for a given Kind are populated; the rest stay
// at their zero value and are omitted on the wire.
type Message struct {
	Type Kind   `json:"type"`
	UUID string `json:"uuid,omitempty"`
	Role Role   `json:"role,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	// listing / announce / play
	StreamID string         `json:"streamID,omitempty"`
	List     []ListingEntry `json:"list,omitempty"`

	// join / joined
	Room  string `json:"room,omitempty"`
	Token string `json:"token,omitempty"`

	// alert
	Text string `json:"message,omitempty"`

	// pipe
	Data     json.RawMessage `json:"data,omitempty"`
	Fallback bool            `json:"fallback,omitempty"`
}

// Encode marshals m for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a wire message. Payload shape is checked
// here at the boundary so downstream code never has to guess at fields.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Reason: "malformed json", Err: err}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case KindOffer, KindAnswer:
		if m.UUID == "" || m.SDP == "" {
			return &ProtocolError{Kind: m.Type, Reason: "uuid and sdp required"}
		}
		if m.Type == KindOffer && m.Role != RolePublisher && m.Role != RoleViewer {
			return &ProtocolError{Kind: m.Type, Reason: "explicit role required on offers"}
		}
	case KindCandidate:
		if m.UUID == "" || m.Candidate == "" {
			return &ProtocolError{Kind: m.Type, Reason: "uuid and candidate required"}
		}
	case KindListing:
		if m.StreamID == "" && len(m.List) == 0 {
			return &ProtocolError{Kind: m.Type, Reason: "streamID or list required"}
		}
	case KindBye, KindJoined:
		if m.UUID == "" {
			return &ProtocolError{Kind: m.Type, Reason: "uuid required"}
		}
	case KindJoin:
		if m.Room == "" {
			return &ProtocolError{Kind: m.Type, Reason: "room required"}
		}
	case KindAnnounce, KindPlay:
		if m.StreamID == "" {
			return &ProtocolError{Kind: m.Type, Reason: "streamID required"}
		}
	case KindAlert, KindLeave, KindPipe:
		// No required payload beyond the tag.
	case "":
		return &ProtocolError{Reason: "missing type tag"}
	default:
		return &ProtocolError{Kind: m.Type, Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	return nil
}
