package mesh

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/pkg/protocol"
)

type connKey struct {
	uuid string
	role protocol.Role
}

// registry indexes every live Connection by (uuid, role), with a secondary
// streamID index fed by listing messages. It is owned exclusively by the
// Client; external callers observe it through events and read accessors.
type registry struct {
	mu      sync.RWMutex
	conns   map[connKey]*Connection
	streams map[string]string // streamID -> uuid
}

func newRegistry() *registry {
	return &registry{
		conns:   make(map[connKey]*Connection),
		streams: make(map[string]string),
	}
}

// put registers conn, replacing any previous entry for the same key. The
// replaced connection, if any, is returned so the caller can close it in
// the same operation (no orphans).
func (r *registry) put(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := connKey{conn.UUID, conn.Role}
	prev := r.conns[key]
	r.conns[key] = conn
	log.Debug().Str("module", "mesh.registry").Str("uuid", conn.UUID).Str("role", string(conn.Role)).Msg("connection registered")
	return prev
}

func (r *registry) get(uuid string, role protocol.Role) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connKey{uuid, role}]
	return c, ok
}

// byUUID returns the up-to-two connections held for a remote.
func (r *registry) byUUID(uuid string) map[protocol.Role]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[protocol.Role]*Connection, 2)
	for _, role := range []protocol.Role{protocol.RolePublisher, protocol.RoleViewer} {
		if c, ok := r.conns[connKey{uuid, role}]; ok {
			out[role] = c
		}
	}
	return out
}

// remove unregisters and returns the connection, or nil if absent.
func (r *registry) remove(uuid string, role protocol.Role) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := connKey{uuid, role}
	c := r.conns[key]
	if c != nil {
		delete(r.conns, key)
		log.Debug().Str("module", "mesh.registry").Str("uuid", uuid).Str("role", string(role)).Msg("connection removed")
	}
	return c
}

// match returns connections passing the target filter. Empty filter fields
// match everything.
func (r *registry) match(uuid string, role protocol.Role, streamID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if streamID != "" && uuid == "" {
		uuid = r.streams[streamID]
		if uuid == "" {
			return nil
		}
	}
	var out []*Connection
	for key, c := range r.conns {
		if uuid != "" && key.uuid != uuid {
			continue
		}
		if role != "" && key.role != role {
			continue
		}
		if streamID != "" && c.StreamID != streamID && key.uuid != uuid {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *registry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// drain empties the registry and returns everything that was in it.
func (r *registry) drain() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for key, c := range r.conns {
		out = append(out, c)
		delete(r.conns, key)
	}
	return out
}

func (r *registry) setStream(streamID, uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[streamID] = uuid
}

func (r *registry) uuidForStream(streamID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok := r.streams[streamID]
	return uuid, ok
}

func (r *registry) dropStreamsOf(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, owner := range r.streams {
		if owner == uuid {
			delete(r.streams, sid)
		}
	}
}
