package mesh

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

var errNotConnected = errors.New("signaling transport not connected")

// Preference selects which channel of a dual connection carries a payload.
type Preference string

const (
	PreferPublisher Preference = "publisher"
	PreferViewer    Preference = "viewer"
	PreferAny       Preference = "any"
	PreferAll       Preference = "all"
)

// Target filters and shapes a SendDataTo call. The zero Target broadcasts
// with the publisher-preferred single-delivery policy.
type Target struct {
	UUID       string
	Role       protocol.Role
	StreamID   string
	Preference Preference
	// AllowFallback relays over the signaling websocket when no data
	// channel can carry the payload. It requires UUID: the server drops
	// unaddressed relays.
	AllowFallback bool
}

// SendData broadcasts payload with the default policy: one delivery per
// remote, publisher channel preferred. Returns true iff at least one send
// succeeded; a routing miss is not an error.
func (c *Client) SendData(payload any) bool {
	return c.SendDataTo(payload, Target{})
}

// SendDataTo routes payload to the connections matching target. Matches are
// grouped by remote uuid so a dual connection never yields a duplicate
// delivery, except under PreferAll which duplicates deliberately.
func (c *Client) SendDataTo(payload any, target Target) bool {
	data, err := encodePayload(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.route").Msg("payload encode")
		return false
	}
	pref := target.Preference
	if pref == "" {
		pref = PreferPublisher
	}

	matches := c.reg.match(target.UUID, target.Role, target.StreamID)
	byUUID := make(map[string]map[protocol.Role]*Connection)
	for _, conn := range matches {
		group := byUUID[conn.UUID]
		if group == nil {
			group = make(map[protocol.Role]*Connection, 2)
			byUUID[conn.UUID] = group
		}
		group[conn.Role] = conn
	}

	sent := false
	for uuid, group := range byUUID {
		if pref == PreferAll {
			for _, conn := range group {
				if trySend(conn, data) {
					sent = true
				}
			}
			continue
		}
		first, second := protocol.RolePublisher, protocol.RoleViewer
		if pref == PreferViewer {
			first, second = second, first
		}
		if trySend(group[first], data) || trySend(group[second], data) {
			sent = true
		} else {
			log.Debug().Str("module", "mesh.route").Str("uuid", uuid).Msg("no open channel for remote")
		}
	}

	// The server only relays addressed pipe messages, so the fallback
	// needs a concrete target; broadcasts that miss every channel stay missed.
	if !sent && target.AllowFallback && target.UUID != "" && c.signaler != nil && c.signaler.Connected() {
		msg := &protocol.Message{
			Type:     protocol.KindPipe,
			UUID:     target.UUID,
			Data:     json.RawMessage(data),
			Fallback: true,
		}
		if c.signaler.Send(msg) {
			log.Debug().Str("module", "mesh.route").Str("uuid", target.UUID).Msg("delivered via websocket fallback")
			sent = true
		}
	}
	return sent
}

func trySend(conn *Connection, data []byte) bool {
	if conn == nil {
		return false
	}
	ch := conn.Channel()
	if ch == nil || !ch.Ready() {
		return false
	}
	if err := ch.Send(data); err != nil {
		log.Warn().Err(err).Str("module", "mesh.route").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("channel send failed")
		return false
	}
	conn.touch()
	return true
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
