// Package whip publishes media to WHIP endpoints: SDP offer over HTTP
// POST, trickle ICE over PATCH, teardown over DELETE.
package whip

import (
	"context"
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

// GatherTimeout bounds the non-trickle wait for ICE gathering; the offer
// is sent with whatever has gathered when it fires.
const GatherTimeout = 5 * time.Second

// Options configure a Client.
type Options struct {
	AuthToken string
	Headers   http.Header
	// ICEServers used before the endpoint advertises its own.
	ICEServers []webrtc.ICEServer
	// VideoCodec/AudioCodec reorder codec preference in the offer
	// ("h264", "vp8", "vp9", "av1", "opus"). Best-effort.
	VideoCodec string
	AudioCodec string
	// Bitrates in kbps, injected as b=AS lines. Zero means unconstrained.
	VideoBitrate int
	AudioBitrate int
	// NoTrickleICE waits for gathering before the POST instead of
	// PATCHing candidates afterwards.
	NoTrickleICE bool
	// Engine supplies the session; nil selects the pion engine.
	Engine rtc.Engine
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)
}

// Client is a reusable WHIP publisher: after Stop it returns to idle and
// may Publish again.
type Client struct {
	endpoint string
	opts     Options
	engine   rtc.Engine

	mu    sync.Mutex
	state State
	sess  rtc.Session
	res   *whipsig.Resource
}

func New(endpoint string, opts Options) *Client {
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

// ResourceURL is the server-assigned session handle, empty until the offer
// is accepted.
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

// Publish negotiates the session and starts sending tracks. It rejects
// unless the client is idle.
func (c *Client) Publish(ctx context.Context, tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return &protocol.NegotiationError{Op: "publish", Err: errBadState(state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(StateConnecting)
	}

	err := c.publish(ctx, tracks)
	if err != nil {
		c.setState(StateError)
		c.Stop(ctx)
		return err
	}
	c.setState(StateConnected)
	log.Info().Str("module", "whip").Str("endpoint", c.endpoint).Msg("publishing")
	return nil
}

func (c *Client) publish(ctx context.Context, tracks []webrtc.TrackLocal) error {
	res, err := whipsig.New(c.endpoint, c.opts.HTTPClient, c.opts.AuthToken, c.opts.Headers)
	if err != nil {
		return err
	}
	sess, err := c.engine.NewSession(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return &protocol.NegotiationError{Op: "session", Err: err}
	}
	c.mu.Lock()
	c.sess = sess
	c.res = res
	c.mu.Unlock()

	if !c.opts.NoTrickleICE {
		sess.OnICECandidate(func(cand webrtc.ICECandidateInit) {
			res.QueueCandidate(cand.Candidate)
		})
	}
	sess.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed {
			log.Warn().Str("module", "whip").Msg("ice failed")
		}
	})

	for _, track := range tracks {
		if err := sess.AddTrack(track); err != nil {
			return &protocol.NegotiationError{Op: "add-track", Err: err}
		}
	}

	offer, err := sess.CreateOffer(nil)
	if err != nil {
		return &protocol.NegotiationError{Op: "offer", Err: err}
	}
	offer.SDP = c.mungeSDP(offer.SDP)
	if err := sess.SetLocalDescription(offer); err != nil {
		return &protocol.NegotiationError{Op: "offer", Err: err}
	}

	sdp := offer.SDP
	if c.opts.NoTrickleICE {
		select {
		case <-sess.GatheringComplete():
		case <-time.After(GatherTimeout):
			log.Debug().Str("module", "whip").Msg("gather timeout, proceeding with partial candidates")
		case <-ctx.Done():
			return ctx.Err()
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
		return err
	}

	// Stale-response guard: Stop may have raced the POST.
	if c.State() != StateConnecting {
		return &protocol.NegotiationError{Op: "publish", Err: context.Canceled}
	}

	if err := sess.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return &protocol.NegotiationError{Op: "answer", Err: err}
	}
	return nil
}

// mungeSDP applies codec preference reordering and b=AS bitrate caps to
// the offer.
func (c *Client) mungeSDP(sdp string) string {
	if c.opts.VideoCodec != "" {
		sdp = rtc.PreferCodec(sdp, "video", c.opts.VideoCodec)
	}
	if c.opts.AudioCodec != "" {
		sdp = rtc.PreferCodec(sdp, "audio", c.opts.AudioCodec)
	}
	if c.opts.VideoBitrate > 0 {
		sdp = rtc.SetBitrate(sdp, "video", c.opts.VideoBitrate)
	}
	if c.opts.AudioBitrate > 0 {
		sdp = rtc.SetBitrate(sdp, "audio", c.opts.AudioBitrate)
	}
	return sdp
}

// RestartICE renegotiates transport without tearing the resource down.
func (c *Client) RestartICE(ctx context.Context) error {
	c.mu.Lock()
	sess, res := c.sess, c.res
	c.mu.Unlock()
	if sess == nil || res == nil || c.State() != StateConnected {
		return &protocol.NegotiationError{Op: "ice-restart", Err: errBadState(c.State())}
	}

	offer, err := sess.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		return &protocol.NegotiationError{Op: "ice-restart", Err: err}
	}
	sdp := offer.SDP
	if c.opts.NoTrickleICE {
		select {
		case <-sess.GatheringComplete():
		case <-time.After(GatherTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
		if local := sess.LocalDescription(); local != nil {
			sdp = local.SDP
		}
	}
	answer, err := res.RestartICE(ctx, sdp)
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

// Stop tears everything down and resets the client to idle. Idempotent;
// the DELETE is best-effort.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	sess, res := c.sess, c.res
	c.sess, c.res = nil, nil
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
	log.Info().Str("module", "whip").Str("endpoint", c.endpoint).Msg("stopped")
}
