package whep

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc"
	"github.com/peermesh/peermesh/pkg/rtc/rtctest"
)

type whepServer struct {
	mu       sync.Mutex
	requests []*http.Request
	deletes  int
	status   int
}

func (s *whepServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r)
	if r.Method == http.MethodDelete {
		s.deletes++
	}
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		if s.status != 0 {
			http.Error(w, "rejected", s.status)
			return
		}
		w.Header().Set("Location", "/session/9")
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(rtctest.DefaultOfferSDP))
	case http.MethodPatch:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *whepServer) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

func newTestClient(t *testing.T, opts Options) (*Client, *rtctest.Engine, *whepServer, func()) {
	t.Helper()
	eng := rtctest.NewEngine()
	srv := &whepServer{}
	ts := httptest.NewServer(srv)
	opts.Engine = eng
	opts.HTTPClient = ts.Client()
	return New(ts.URL+"/whep", opts), eng, srv, ts.Close
}

// emitTrackWhenNegotiated waits for session number n to see its answer
// land and then delivers a fake inbound track on it.
func emitTrackWhenNegotiated(t *testing.T, eng *rtctest.Engine, n int, track *rtctest.Track) {
	t.Helper()
	go func() {
		for i := 0; i < 400; i++ {
			sessions := eng.Sessions()
			if len(sessions) >= n {
				sess := sessions[n-1]
				if sess.RemoteDescription() != nil {
					sess.EmitTrack(track)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestViewResolvesOnFirstTrack(t *testing.T) {
	c, eng, _, done := newTestClient(t, Options{})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "v0", Stream: "cam", KindType: webrtc.RTPCodecTypeVideo})

	stream, err := c.View(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stream)
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, "v0", stream.Tracks()[0].ID())
	assert.Equal(t, StateConnected, c.State())

	// Later tracks attach to the same stream.
	eng.Last().EmitTrack(&rtctest.Track{TrackID: "a0", KindType: webrtc.RTPCodecTypeAudio})
	assert.Len(t, stream.Tracks(), 2)
}

func TestViewDeclaresRecvTransceivers(t *testing.T) {
	c, eng, _, done := newTestClient(t, Options{})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "v0"})

	_, err := c.View(context.Background())
	require.NoError(t, err)

	kinds := eng.Last().RecvKinds
	require.Len(t, kinds, 2, "audio and video are requested by default")
	assert.Contains(t, kinds, webrtc.RTPCodecTypeAudio)
	assert.Contains(t, kinds, webrtc.RTPCodecTypeVideo)
}

func TestViewAudioOnly(t *testing.T) {
	c, eng, _, done := newTestClient(t, Options{Audio: true})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "a0"})

	_, err := c.View(context.Background())
	require.NoError(t, err)

	kinds := eng.Last().RecvKinds
	require.Len(t, kinds, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, kinds[0])
}

func TestViewOnTrackCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []rtc.RemoteTrack
	c, eng, _, done := newTestClient(t, Options{
		OnTrack: func(tr rtc.RemoteTrack) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		},
	})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "v0"})

	_, err := c.View(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "v0", seen[0].ID())
}

func TestViewRejectedWhenBusy(t *testing.T) {
	c, eng, _, done := newTestClient(t, Options{})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "v0"})
	_, err := c.View(context.Background())
	require.NoError(t, err)

	_, err = c.View(context.Background())
	var nerr *protocol.NegotiationError
	require.ErrorAs(t, err, &nerr)
}

func TestViewServerRejection(t *testing.T) {
	c, _, srv, done := newTestClient(t, Options{})
	defer done()
	srv.status = http.StatusNotFound

	_, err := c.View(context.Background())
	var nerr *protocol.NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusNotFound, nerr.Status)
	assert.Equal(t, StateIdle, c.State())
}

func TestViewContextCancelDuringTrackWait(t *testing.T) {
	c, _, _, done := newTestClient(t, Options{})
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.View(ctx)
	assert.Error(t, err, "no track ever arrives, the context bounds the wait")
	assert.Equal(t, StateIdle, c.State())
}

func TestStopIdempotent(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{})
	defer done()
	emitTrackWhenNegotiated(t, eng, 1, &rtctest.Track{TrackID: "v0"})
	_, err := c.View(context.Background())
	require.NoError(t, err)

	c.Stop(context.Background())
	c.Stop(context.Background())

	assert.Equal(t, StateIdle, c.State())
	assert.True(t, eng.Last().Closed)
	assert.Equal(t, 1, srv.deleteCount())

	// Reusable after Stop.
	emitTrackWhenNegotiated(t, eng, 2, &rtctest.Track{TrackID: "v1"})
	_, err = c.View(context.Background())
	require.NoError(t, err)
}
