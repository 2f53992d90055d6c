package signald

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peermesh/peermesh/internal/config"
	"github.com/peermesh/peermesh/pkg/protocol"
)

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, func()) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Mode: "release"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(cfg)
	srv := httptest.NewServer(s.Router(ctx))
	return srv, func() {
		cancel()
		srv.Close()
	}
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, srv *httptest.Server, token string) *wsPeer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(m *protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) recv() *protocol.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	m, err := protocol.Decode(data)
	require.NoError(p.t, err)
	return m
}

// recvKind skips frames until one of the wanted kind arrives.
func (p *wsPeer) recvKind(kind protocol.Kind) *protocol.Message {
	p.t.Helper()
	for i := 0; i < 10; i++ {
		m := p.recv()
		if m.Type == kind {
			return m
		}
	}
	p.t.Fatalf("no %s frame arrived", kind)
	return nil
}

func (p *wsPeer) join(uuid, room string) *protocol.Message {
	p.t.Helper()
	p.send(&protocol.Message{Type: protocol.KindJoin, UUID: uuid, Room: room})
	return p.recvKind(protocol.KindJoined)
}

func TestJoinAdoptsClientIdentity(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	ack := alice.join("alice", "lobby")
	assert.Equal(t, "alice", ack.UUID, "a free client-minted identity is kept")
	assert.Equal(t, "lobby", ack.Room)
}

func TestJoinCollisionRekeys(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	first := dialPeer(t, srv, "")
	first.join("alice", "lobby")

	second := dialPeer(t, srv, "")
	ack := second.join("alice", "lobby")
	assert.NotEqual(t, "alice", ack.UUID, "a taken identity falls back to the server-minted one")
	assert.NotEmpty(t, ack.UUID)
}

func TestAnnounceBroadcastsListing(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")
	bob := dialPeer(t, srv, "")
	bob.join("bob", "lobby")

	alice.send(&protocol.Message{Type: protocol.KindAnnounce, StreamID: "cam-1"})

	listing := bob.recvKind(protocol.KindListing)
	assert.Equal(t, "alice", listing.UUID)
	assert.Equal(t, "cam-1", listing.StreamID)
}

func TestLateJoinerGetsRoster(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")
	alice.send(&protocol.Message{Type: protocol.KindAnnounce, StreamID: "cam-1"})
	time.Sleep(50 * time.Millisecond)

	bob := dialPeer(t, srv, "")
	bob.join("bob", "lobby")
	roster := bob.recvKind(protocol.KindListing)
	require.Len(t, roster.List, 1)
	assert.Equal(t, "alice", roster.List[0].UUID)
	assert.Equal(t, "cam-1", roster.List[0].StreamID)
}

func TestRelayStampsSenderIdentity(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")
	bob := dialPeer(t, srv, "")
	bob.join("bob", "lobby")

	// Alice claims to be someone else in the uuid slot; the hub stamps the
	// real sender before forwarding.
	alice.send(&protocol.Message{Type: protocol.KindOffer, UUID: "bob", Role: protocol.RolePublisher, SDP: "v=0"})

	offer := bob.recvKind(protocol.KindOffer)
	assert.Equal(t, "alice", offer.UUID)
	assert.Equal(t, "v=0", offer.SDP)
	assert.Equal(t, protocol.RolePublisher, offer.Role)
}

func TestPlayResolvesTargetByStream(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	bob := dialPeer(t, srv, "")
	bob.join("bob", "lobby")
	bob.send(&protocol.Message{Type: protocol.KindAnnounce, StreamID: "cam-9"})
	time.Sleep(50 * time.Millisecond)

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")

	alice.send(&protocol.Message{Type: protocol.KindPlay, StreamID: "cam-9"})

	play := bob.recvKind(protocol.KindPlay)
	assert.Equal(t, "alice", play.UUID, "the publisher learns who asked")
	assert.Equal(t, "cam-9", play.StreamID)
}

func TestRelayNeverCrossesRooms(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "room-a")
	carol := dialPeer(t, srv, "")
	carol.join("carol", "room-b")

	alice.send(&protocol.Message{Type: protocol.KindOffer, UUID: "carol", Role: protocol.RoleViewer, SDP: "v=0"})

	require.NoError(t, carol.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := carol.conn.ReadMessage()
	assert.Error(t, err, "nothing may leak across rooms")
}

func TestRelayDroppedAfterTargetLeaves(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "room-a")
	bob := dialPeer(t, srv, "")
	bob.join("bob", "room-a")

	bob.send(&protocol.Message{Type: protocol.KindLeave})
	// The leave frame races the offer below through separate sockets, so
	// give the hub a moment to clear bob's room first.
	time.Sleep(100 * time.Millisecond)

	alice.send(&protocol.Message{Type: protocol.KindOffer, UUID: "bob", Role: protocol.RoleViewer, SDP: "v=0"})

	require.NoError(t, bob.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := bob.conn.ReadMessage()
	assert.Error(t, err, "a peer that left the room must not receive relays")
}

// Relays race the target's own join/leave frames; the hub has to read the
// target's room membership under the lock. Mostly meaningful under -race.
func TestRelayConcurrentWithRoomChanges(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "room-a")
	bob := dialPeer(t, srv, "")
	bob.join("bob", "room-a")

	go func() {
		for i := 0; i < 20; i++ {
			bob.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave"}`))
			data, _ := protocol.Encode(&protocol.Message{Type: protocol.KindJoin, UUID: "bob", Room: "room-a"})
			bob.conn.WriteMessage(websocket.TextMessage, data)
		}
	}()
	for i := 0; i < 20; i++ {
		alice.send(&protocol.Message{Type: protocol.KindOffer, UUID: "bob", Role: protocol.RoleViewer, SDP: "v=0"})
	}

	// Drain whatever arrived; the point is the hub survives the interleaving.
	bob.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		if _, _, err := bob.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestDisconnectBroadcastsBye(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")
	bob := dialPeer(t, srv, "")
	bob.join("bob", "lobby")

	require.NoError(t, alice.conn.Close())

	bye := bob.recvKind(protocol.KindBye)
	assert.Equal(t, "alice", bye.UUID)
}

func TestMalformedFrameGetsAlert(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	alert := alice.recvKind(protocol.KindAlert)
	assert.Equal(t, "malformed message", alert.Text)
}

func TestHealthz(t *testing.T) {
	srv, done := newTestServer(t, nil)
	defer done()

	alice := dialPeer(t, srv, "")
	alice.join("alice", "lobby")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Peers int `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Peers)
}

func TestTokenAuthGuardsSocket(t *testing.T) {
	secret := "test-secret"
	srv, done := newTestServer(t, &config.Config{Mode: "release", Secret: secret})
	defer done()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err, "no token, no socket")
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	_, resp, err = websocket.DefaultDialer.Dial(u+"?token=bogus", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	token, err := IssueToken(secret, "alice", time.Minute)
	require.NoError(t, err)
	peer := dialPeer(t, srv, token)
	ack := peer.join("alice", "lobby")
	assert.Equal(t, "alice", ack.UUID)
}

func TestExpiredTokenRejected(t *testing.T) {
	secret := "test-secret"
	srv, done := newTestServer(t, &config.Config{Mode: "release", Secret: secret})
	defer done()

	token, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}
