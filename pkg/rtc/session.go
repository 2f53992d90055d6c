// Package rtc wraps the pion WebRTC engine behind small interfaces so the
// SDK core and the WHIP/WHEP clients negotiate against a capability they
// receive explicitly, never a package-global constructor.
package rtc

import (
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Session is one peer connection. All callback setters must be invoked
// before negotiation starts.
type Session interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(cand webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (Channel, error)
	AddTrack(track webrtc.TrackLocal) error
	AddRecvTransceiver(kind webrtc.RTPCodecType) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnDataChannel(fn func(Channel))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	// GatheringComplete signals when ICE candidate gathering for the
	// current local description has finished.
	GatheringComplete() <-chan struct{}
	ConnectionState() webrtc.PeerConnectionState
	Stats() webrtc.StatsReport
	Close() error
}

// Engine creates Sessions. The SDK and the WHIP/WHEP clients take an
// Engine at construction; tests substitute a fake.
type Engine interface {
	NewSession(cfg webrtc.Configuration) (Session, error)
}

// RemoteTrack is the subset of *webrtc.TrackRemote the SDK surfaces to
// consumers of incoming media.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

const receiveMTU uint = 1400

// DefaultConfiguration is used when the caller supplies no ICE servers.
func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun.cloudflare.com:3478"}},
		},
	}
}

// PionEngine is the production Engine backed by a shared webrtc.API.
// A single API instance manages every peer connection the SDK opens.
type PionEngine struct {
	api *webrtc.API
}

func NewEngine() *PionEngine {
	settings := webrtc.SettingEngine{}
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	settings.SetReceiveMTU(receiveMTU)
	return &PionEngine{api: webrtc.NewAPI(webrtc.WithSettingEngine(settings))}
}

func (e *PionEngine) NewSession(cfg webrtc.Configuration) (Session, error) {
	if len(cfg.ICEServers) == 0 {
		cfg = DefaultConfiguration()
	}
	pc, err := e.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	s := &pionSession{pc: pc}
	s.wire()
	return s, nil
}

type pionSession struct {
	pc *webrtc.PeerConnection

	onICE     func(webrtc.ICECandidateInit)
	onChannel func(Channel)
	onState   func(webrtc.PeerConnectionState)
	onTrack   func(RemoteTrack)
}

func (s *pionSession) wire() {
	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && s.onICE != nil {
			s.onICE(cand.ToJSON())
		}
	})
	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Debug().Str("module", "rtc").Str("label", dc.Label()).Msg("inbound data channel")
		if s.onChannel != nil {
			s.onChannel(newPionChannel(dc))
		}
	})
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", st.String()).Msg("peer state")
		if s.onState != nil {
			s.onState(st)
		}
	})
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("track received")
		if s.onTrack != nil {
			s.onTrack(track)
		}
	})
}

func (s *pionSession) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(opts)
}

func (s *pionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *pionSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *pionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *pionSession) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

func (s *pionSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(cand)
}

func (s *pionSession) CreateDataChannel(label string) (Channel, error) {
	dc, err := s.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return newPionChannel(dc), nil
}

func (s *pionSession) AddTrack(track webrtc.TrackLocal) error {
	_, err := s.pc.AddTrack(track)
	return err
}

func (s *pionSession) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (s *pionSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) { s.onICE = fn }

func (s *pionSession) OnDataChannel(fn func(Channel)) { s.onChannel = fn }

func (s *pionSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.onState = fn
}

func (s *pionSession) OnTrack(fn func(RemoteTrack)) { s.onTrack = fn }

func (s *pionSession) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(s.pc)
}

func (s *pionSession) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

func (s *pionSession) Stats() webrtc.StatsReport {
	return s.pc.GetStats()
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}
