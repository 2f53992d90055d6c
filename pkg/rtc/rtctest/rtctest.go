// Package rtctest provides scriptable in-memory fakes of the rtc
// interfaces for tests that drive negotiation flows without opening
// real peer connections.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peermesh/peermesh/pkg/rtc"
)

// DefaultOfferSDP carries ICE credentials so credential extraction
// succeeds against fake sessions.
const DefaultOfferSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:testfrag\r\n" +
	"a=ice-pwd:testpassword1234567890ab\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

// Engine hands out fake Sessions and records each one for inspection.
type Engine struct {
	mu       sync.Mutex
	sessions []*Session

	// Err, when set, makes NewSession fail.
	Err error
	// OfferSDP, when set, seeds every new session's offer.
	OfferSDP string
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NewSession(cfg webrtc.Configuration) (rtc.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	s := NewSession()
	s.Config = cfg
	if e.OfferSDP != "" {
		s.OfferSDP = e.OfferSDP
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions snapshots every session created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// Last returns the most recently created session, or nil.
func (e *Engine) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Session is a fake rtc.Session. Test code drives it through the Emit
// helpers; production-side calls are recorded in the exported fields.
type Session struct {
	mu sync.Mutex

	Config webrtc.Configuration

	// OfferSDP and AnswerSDP are the descriptions handed back by
	// CreateOffer and CreateAnswer.
	OfferSDP  string
	AnswerSDP string

	// Failure injection points.
	OfferErr     error
	AnswerErr    error
	SetLocalErr  error
	SetRemoteErr error

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	state  webrtc.PeerConnectionState

	Candidates []webrtc.ICECandidateInit
	Tracks     []webrtc.TrackLocal
	RecvKinds  []webrtc.RTPCodecType
	Channels   []*Channel
	Closed     bool
	Offers     []*webrtc.OfferOptions

	gather chan struct{}

	onICE     func(webrtc.ICECandidateInit)
	onChannel func(rtc.Channel)
	onState   func(webrtc.PeerConnectionState)
	onTrack   func(rtc.RemoteTrack)
}

func NewSession() *Session {
	return &Session{
		OfferSDP:  DefaultOfferSDP,
		AnswerSDP: DefaultOfferSDP,
		state:     webrtc.PeerConnectionStateNew,
		gather:    make(chan struct{}),
	}
}

func (s *Session) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Offers = append(s.Offers, opts)
	if s.OfferErr != nil {
		return webrtc.SessionDescription{}, s.OfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.OfferSDP}, nil
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AnswerErr != nil {
		return webrtc.SessionDescription{}, s.AnswerErr
	}
	if s.remote == nil {
		return webrtc.SessionDescription{}, errors.New("rtctest: answer without remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.AnswerSDP}, nil
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetLocalErr != nil {
		return s.SetLocalErr
	}
	s.local = &desc
	return nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetRemoteErr != nil {
		return s.SetRemoteErr
	}
	s.remote = &desc
	return nil
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteDescription exposes what the production side negotiated.
func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) AddICECandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Candidates = append(s.Candidates, cand)
	return nil
}

func (s *Session) CreateDataChannel(label string) (rtc.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := NewChannel(label)
	s.Channels = append(s.Channels, ch)
	return ch, nil
}

func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tracks = append(s.Tracks, track)
	return nil
}

func (s *Session) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecvKinds = append(s.RecvKinds, kind)
	return nil
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onICE = fn
}

func (s *Session) OnDataChannel(fn func(rtc.Channel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChannel = fn
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Session) OnTrack(fn func(rtc.RemoteTrack)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = fn
}

func (s *Session) GatheringComplete() <-chan struct{} {
	return s.gather
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() webrtc.StatsReport {
	return webrtc.StatsReport{}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	s.state = webrtc.PeerConnectionStateClosed
	return nil
}

// EmitCandidate feeds a gathered local candidate to the registered
// callback.
func (s *Session) EmitCandidate(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	fn := s.onICE
	s.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// EmitState moves the fake connection state and notifies the callback.
func (s *Session) EmitState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitChannel delivers a remotely opened data channel.
func (s *Session) EmitChannel(ch *Channel) {
	s.mu.Lock()
	fn := s.onChannel
	s.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

// EmitTrack delivers an inbound media track.
func (s *Session) EmitTrack(track rtc.RemoteTrack) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// CompleteGathering releases waiters on GatheringComplete.
func (s *Session) CompleteGathering() {
	close(s.gather)
}

// Channel is a fake rtc.Channel that records what was sent through it.
type Channel struct {
	mu    sync.Mutex
	label string
	open  bool

	Sent    [][]byte
	SendErr error
	Closed  bool

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func NewChannel(label string) *Channel {
	return &Channel{label: label}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if !c.open {
		return fmt.Errorf("rtctest: send on channel %q before open", c.label)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.Sent = append(c.Sent, buf)
	return nil
}

func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *Channel) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Channel) Close() error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.Closed = true
	fn := c.onClose
	c.mu.Unlock()
	if wasOpen && fn != nil {
		fn()
	}
	return nil
}

// Open marks the channel ready and fires the open callback.
func (c *Channel) Open() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Receive delivers inbound channel data to the message callback.
func (c *Channel) Receive(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// CloseRemote simulates the remote side tearing the channel down.
func (c *Channel) CloseRemote() {
	c.mu.Lock()
	c.open = false
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Track is a fake inbound media track.
type Track struct {
	TrackID  string
	Stream   string
	KindType webrtc.RTPCodecType
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.KindType }
