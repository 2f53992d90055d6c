package whip

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
	"github.com/peermesh/peermesh/pkg/rtc/rtctest"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type whipServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (s *whipServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		if s.status != 0 {
			http.Error(w, "rejected", s.status)
			return
		}
		w.Header().Set("Location", "/session/1")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(rtctest.DefaultOfferSDP))
	case http.MethodPatch:
		if r.Header.Get("Content-Type") == "application/sdp" {
			w.Header().Set("ETag", `"v2"`)
			_, _ = w.Write([]byte(rtctest.DefaultOfferSDP))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *whipServer) byMethod(method string) []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedRequest
	for _, r := range s.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func videoTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
	require.NoError(t, err)
	return track
}

func newTestClient(t *testing.T, opts Options) (*Client, *rtctest.Engine, *whipServer, func()) {
	t.Helper()
	eng := rtctest.NewEngine()
	srv := &whipServer{}
	ts := httptest.NewServer(srv)
	opts.Engine = eng
	opts.HTTPClient = ts.Client()
	return New(ts.URL+"/whip", opts), eng, srv, ts.Close
}

func TestPublishNegotiates(t *testing.T) {
	var states []State
	var mu sync.Mutex
	c, eng, srv, done := newTestClient(t, Options{
		AuthToken: "tok",
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	defer done()

	require.NoError(t, c.Publish(context.Background(), []webrtc.TrackLocal{videoTrack(t)}))

	assert.Equal(t, StateConnected, c.State())
	assert.Contains(t, c.ResourceURL(), "/session/1")

	sess := eng.Last()
	require.NotNil(t, sess)
	require.Len(t, sess.Tracks, 1)
	require.NotNil(t, sess.RemoteDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, sess.RemoteDescription().Type)

	posts := srv.byMethod(http.MethodPost)
	require.Len(t, posts, 1)
	assert.Equal(t, "application/sdp", posts[0].Header.Get("Content-Type"))
	assert.Equal(t, "Bearer tok", posts[0].Header.Get("Authorization"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestPublishMungesOffer(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{
		VideoCodec:   "h264",
		VideoBitrate: 1500,
	})
	defer done()
	eng.OfferSDP = "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=ice-ufrag:uf\r\n" +
		"a=ice-pwd:pw012345678901234567890\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96 102\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"a=rtpmap:102 H264/90000\r\n"

	require.NoError(t, c.Publish(context.Background(), nil))

	posts := srv.byMethod(http.MethodPost)
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Body, "m=video 9 UDP/TLS/RTP/SAVPF 102 96")
	assert.Contains(t, posts[0].Body, "b=AS:1500")
}

func TestPublishRejectedWhenBusy(t *testing.T) {
	c, _, _, done := newTestClient(t, Options{})
	defer done()
	require.NoError(t, c.Publish(context.Background(), nil))

	err := c.Publish(context.Background(), nil)
	var nerr *protocol.NegotiationError
	require.ErrorAs(t, err, &nerr)
}

func TestPublishServerRejection(t *testing.T) {
	c, _, srv, done := newTestClient(t, Options{})
	defer done()
	srv.status = http.StatusForbidden

	err := c.Publish(context.Background(), nil)
	var nerr *protocol.NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusForbidden, nerr.Status)
	assert.Equal(t, StateIdle, c.State(), "failed publish resets to idle")

	// The client is reusable after a failure.
	srv.status = 0
	require.NoError(t, c.Publish(context.Background(), nil))
}

func TestTrickleCandidatesPatch(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{})
	defer done()
	require.NoError(t, c.Publish(context.Background(), nil))

	eng.Last().EmitCandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host",
	})

	require.Eventually(t, func() bool {
		return len(srv.byMethod(http.MethodPatch)) == 1
	}, time.Second, 10*time.Millisecond)

	patch := srv.byMethod(http.MethodPatch)[0]
	assert.Equal(t, "/session/1", patch.Path)
	assert.Equal(t, "application/trickle-ice-sdpfrag", patch.Header.Get("Content-Type"))
	assert.Equal(t, `"v1"`, patch.Header.Get("If-Match"))
	assert.Contains(t, patch.Body, "a=candidate:1")
}

func TestNoTrickleWaitsForGathering(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{NoTrickleICE: true})
	defer done()

	errc := make(chan error, 1)
	go func() { errc <- c.Publish(context.Background(), nil) }()

	require.Eventually(t, func() bool {
		sess := eng.Last()
		return sess != nil && sess.LocalDescription() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, srv.byMethod(http.MethodPost), "offer held until gathering completes")

	eng.Last().CompleteGathering()
	require.NoError(t, <-errc)
	assert.Len(t, srv.byMethod(http.MethodPost), 1)

	// Without trickle no candidate callback is registered.
	eng.Last().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host"})
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, srv.byMethod(http.MethodPatch))
}

func TestRestartICE(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{})
	defer done()
	require.NoError(t, c.Publish(context.Background(), nil))

	require.NoError(t, c.RestartICE(context.Background()))

	sess := eng.Last()
	require.Len(t, sess.Offers, 2)
	require.NotNil(t, sess.Offers[1])
	assert.True(t, sess.Offers[1].ICERestart)

	patches := srv.byMethod(http.MethodPatch)
	require.Len(t, patches, 1)
	assert.Equal(t, "application/sdp", patches[0].Header.Get("Content-Type"))
	assert.Equal(t, `"v1"`, patches[0].Header.Get("If-Match"))
}

func TestRestartICERequiresConnected(t *testing.T) {
	c, _, _, done := newTestClient(t, Options{})
	defer done()

	err := c.RestartICE(context.Background())
	var nerr *protocol.NegotiationError
	require.ErrorAs(t, err, &nerr)
}

func TestStopIdempotent(t *testing.T) {
	c, eng, srv, done := newTestClient(t, Options{})
	defer done()
	require.NoError(t, c.Publish(context.Background(), nil))

	c.Stop(context.Background())
	c.Stop(context.Background())

	assert.Equal(t, StateIdle, c.State())
	assert.True(t, eng.Last().Closed)
	assert.Len(t, srv.byMethod(http.MethodDelete), 1, "the resource is deleted exactly once")
	assert.Empty(t, c.ResourceURL())
}

func TestStopBeforePublishIsNoop(t *testing.T) {
	c, _, srv, done := newTestClient(t, Options{})
	defer done()

	c.Stop(context.Background())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, srv.byMethod(http.MethodDelete))
}
