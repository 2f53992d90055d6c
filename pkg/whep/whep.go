// Package whep consumes media from WHEP endpoints, the pull-oriented
// sibling of WHIP: recvonly transceivers are offered and the server
// answers with whatever media it is willing to send.
package whep

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peermesh/peermesh/internal/whipsig"
	"github.com/peermesh/peermesh/pkg/protocol"
	"github.com/peermesh/peermesh/pkg/rtc"
)

// State is the client lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

const (
	// GatherTimeout bounds the non-trickle ICE gathering wait.
	GatherTimeout = 5 * time.Second
	// FirstTrackTimeout bounds the wait for inbound media. Many endpoints
	// supply only one media kind, so View resolves on the first track of
	// either kind rather than blocking for all requested kinds.
	FirstTrackTimeout = 3 * time.Second
)

// Stream collects the inbound tracks of a view session. Tracks arriving
// after View returns attach to the same Stream.
type Stream struct {
	mu     sync.Mutex
	tracks []rtc.RemoteTrack
	first  chan struct{}
	once   sync.Once
}

func newStream() *Stream {
	return &Stream{first: make(chan struct{})}
}

func (s *Stream) add(track rtc.RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
	s.once.Do(func() { close(s.first) })
}

// Tracks snapshots the tracks received so far.
func (s *Stream) Tracks() []rtc.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rtc.RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Options configure a Client.
type Options struct {
	AuthToken string
	Headers   http.Header
	// Audio/Video select which recvonly transceivers the offer declares.
	// Both default to true when neither is set explicitly via WithMedia.
	Audio bool
	Video bool

	ICEServers   []webrtc.ICEServer
	NoTrickleICE bool
	Engine       rtc.Engine
	HTTPClient   *http.Client
	// OnTrack observes each inbound track as it arrives.
	OnTrack       func(rtc.RemoteTrack)
	OnStateChange func(State)
}

// Client is a reusable WHEP viewer.
type Client struct {
	endpoint string
	opts     Options
	engine   rtc.Engine

	mu     sync.Mutex
	state  State
	sess   rtc.Session
	res    *whipsig.Resource
	stream *Stream
}

func New(endpoint string, opts Options) *Client {
	if !opts.Audio && !opts.Video {
		opts.Audio, opts.Video = true, true
	}
	engine := opts.Engine
	if engine == nil {
		engine = rtc.NewEngine()
	}
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		engine:   engine,
		state:    StateIdle,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ResourceURL() string {
	c.mu.Lock()
	res := c.res
	c.mu.Unlock()
	if res == nil {
		return ""
	}
	return res.ResourceURL()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// View negotiates the session and returns the stream, possibly still
// filling: it resolves as soon as the first track of either kind arrives,
// or after the bounded wait if none does.
func (c *Client) View(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, &protocol.NegotiationError{Op: "view", Err: fmt.Errorf("operation not valid in state %q", state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateConnecting)
	}

	stream, err := c.view(ctx)
	if err != nil {
		c.setState(StateError)
		c.Stop(ctx)
		return nil, err
	}
	c.setState(StateConnected)
	log.Info().Str("module", "whep").Str("endpoint", c.endpoint).Msg("viewing")
	return stream, nil
}

func (c *Client) view(ctx context.Context) (*Stream, error) {
	res, err := whipsig.New(c.endpoint, c.opts.HTTPClient, c.opts.AuthToken, c.opts.Headers)
	if err != nil {
		return nil, err
	}
	sess, err := c.engine.NewSession(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return nil, &protocol.NegotiationError{Op: "session", Err: err}
	}
	stream := newStream()
	c.mu.Lock()
	c.sess = sess
	c.res = res
	c.stream = stream
	c.mu.Unlock()

	if !c.opts.NoTrickleICE {
		sess.OnICECandidate(func(cand webrtc.ICECandidateInit) {
			res.QueueCandidate(cand.Candidate)
		})
	}
	sess.OnTrack(func(track rtc.RemoteTrack) {
		stream.add(track)
		if c.opts.OnTrack != nil {
			c.opts.OnTrack(track)
		}
	})

	if c.opts.Audio {
		if err := sess.AddRecvTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return nil, &protocol.NegotiationError{Op: "transceiver", Err: err}
		}
	}
	if c.opts.Video {
		if err := sess.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return nil, &protocol.NegotiationError{Op: "transceiver", Err: err}
		}
	}

	offer, err := sess.CreateOffer(nil)
	if err != nil {
		return nil, &protocol.NegotiationError{Op: "offer", Err: err}
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		return nil, &protocol.NegotiationError{Op: "offer", Err: err}
	}

	sdp := offer.SDP
	if c.opts.NoTrickleICE {
		select {
		case <-sess.GatheringComplete():
		case <-time.After(GatherTimeout):
			log.Debug().Str("module", "whep").Msg("gather timeout, proceeding with partial candidates")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if local := sess.LocalDescription(); local != nil {
			sdp = local.SDP
		}
	}

	if creds, err := rtc.ExtractICECredentials(sdp); err == nil {
		res.SetCredentials(creds)
	}

	answer, err := res.PostOffer(ctx, sdp)
	if err != nil {
		return nil, err
	}
	if c.State() != StateConnecting {
		return nil, &protocol.NegotiationError{Op: "view", Err: context.Canceled}
	}
	if err := sess.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return nil, &protocol.NegotiationError{Op: "answer", Err: err}
	}

	// First-track wait: proceed on any track or the bounded timeout, the
	// connection may deliver later tracks to the same Stream.
	select {
	case <-stream.first:
	case <-time.After(FirstTrackTimeout):
		log.Debug().Str("module", "whep").Msg("no track before deadline, returning filling stream")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return stream, nil
}

// RestartICE renegotiates transport without tearing the resource down.
func (c *Client) RestartICE(ctx context.Context) error {
	c.mu.Lock()
	sess, res := c.sess, c.res
	c.mu.Unlock()
	if sess == nil || res == nil || c.State() != StateConnected {
		return &protocol.NegotiationError{Op: "ice-restart", Err: fmt.Errorf("operation not valid in state %q", c.State())}
	}
	offer, err := sess.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		return &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	answer, err := res.RestartICE(ctx, offer.SDP)
	if err != nil {
		return err
	}
	return sess.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

// Stats exposes the underlying session statistics.
func (c *Client) Stats() webrtc.StatsReport {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Stats()
}

// Stop tears everything down and resets the client to idle. Idempotent.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	sess, res := c.sess, c.res
	c.sess, c.res = nil, nil
	c.stream = nil
	alreadyIdle := c.state == StateIdle && sess == nil && res == nil
	c.state = StateIdle
	c.mu.Unlock()
	if alreadyIdle {
		return
	}

	if res != nil {
		res.Close(ctx)
	}
	if sess != nil {
		_ = sess.Close()
	}
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateIdle)
	}
	log.Info().Str("module", "whep").Str("endpoint", c.endpoint).Msg("stopped")
}
