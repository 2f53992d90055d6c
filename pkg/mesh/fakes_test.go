package mesh

import (
	"sync"

	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc/rtctest"
)

// fakeSignaler records outbound signaling instead of touching a socket.
type fakeSignaler struct {
	mu        sync.Mutex
	sent      []*protocol.Message
	connected bool
	sendFails bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{connected: true}
}

func (f *fakeSignaler) Send(m *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFails {
		return false
	}
	f.sent = append(f.sent, m)
	return true
}

func (f *fakeSignaler) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaler) messages() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaler) byKind(kind protocol.Kind) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range f.messages() {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// newTestClient wires a Client to the fake engine and signaler, with a
// fixed identity so glare outcomes are predictable.
func newTestClient(id string) (*Client, *rtctest.Engine, *fakeSignaler) {
	eng := rtctest.NewEngine()
	c := New(Options{Engine: eng})
	c.id = id
	sig := newFakeSignaler()
	c.signaler = sig
	return c, eng, sig
}

// addOpenConn plants a connected connection with an open channel straight
// into the registry, bypassing negotiation.
func addOpenConn(c *Client, uuid string, role protocol.Role, streamID string) (*Connection, *rtctest.Channel) {
	ch := rtctest.NewChannel(streamID)
	ch.Open()
	conn := &Connection{
		UUID:     uuid,
		Role:     role,
		StreamID: streamID,
		state:    StateConnected,
		session:  rtctest.NewSession(),
		channel:  ch,
	}
	c.reg.put(conn)
	return conn, ch
}
