package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type pionSetup struct {
	populate func(*webrtc.MediaEngine) error
	settings webrtc.SettingEngine
}

// PionOption customises the pion API behind NewPionTransportFactory.
type PionOption func(*pionSetup)

// WithMediaEngine registers codecs through fn instead of the pion defaults.
// Capture backends that encode their own tracks (pion/mediadevices) use it to
// populate the engine with their codec selector.
func WithMediaEngine(fn func(*webrtc.MediaEngine) error) PionOption {
	return func(s *pionSetup) { s.populate = fn }
}

// WithICETimeouts overrides the ICE disconnected, failed and keepalive
// intervals.
func WithICETimeouts(disconnected, failed, keepAlive time.Duration) PionOption {
	return func(s *pionSetup) { s.settings.SetICETimeouts(disconnected, failed, keepAlive) }
}

// NewPionTransportFactory builds the pion API once and returns a factory
// creating one PeerConnection per call.
func NewPionTransportFactory(opts ...PionOption) (TransportFactory, error) {
	setup := &pionSetup{}
	for _, opt := range opts {
		opt(setup)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if setup.populate != nil {
		if err := setup.populate(mediaEngine); err != nil {
			return nil, errors.Wrap(err, "populate media engine")
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register default codecs")
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Wrap(err, "register default interceptors")
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(setup.settings),
	)

	return func(cfg webrtc.Configuration, emit func(TransportEvent)) (Transport, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "new peer connection")
		}

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Debugf("remote %s track %s", track.Kind(), track.ID())
			emit(TransportEvent{Kind: EventTrack, Track: track})
		})
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			init := c.ToJSON()
			emit(TransportEvent{Kind: EventICECandidate, Candidate: &init})
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			emit(TransportEvent{Kind: EventConnectionState, State: s})
		})

		return &pionTransport{pc: pc}, nil
	}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so the interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) RemoteDescription() *webrtc.SessionDescription {
	return t.pc.RemoteDescription()
}

func (t *pionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
