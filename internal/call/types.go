package call

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/studyhub/peercall/internal/models"
)

// State is the connection state of a call session.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// SignalBus is the only surface the call package needs from the record
// stream. bus.Memory, bus.Redis and bus.WSClient satisfy it.
type SignalBus interface {
	Append(ctx context.Context, rec *models.Record) error
	Subscribe(ctx context.Context, roomID string) (<-chan *models.Record, func(), error)
}

// LocalStream is a captured local audio source.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
}

// MediaCapture acquires and releases local audio.
type MediaCapture interface {
	// AcquireLocalAudio may fail when the device is missing or access is denied.
	AcquireLocalAudio(ctx context.Context) (LocalStream, error)
	// ReleaseStream stops every track of s.
	ReleaseStream(s LocalStream)
}

// RemoteTrack is a received media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Transport is the peer-to-peer connection primitive driven by the
// Negotiator. Callbacks are not part of the interface: implementations report
// them through the emit function handed to their TransportFactory.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// TransportFactory creates a Transport. emit may be called from any
// goroutine and never blocks.
type TransportFactory func(cfg webrtc.Configuration, emit func(TransportEvent)) (Transport, error)

// TransportEventKind identifies a transport callback.
type TransportEventKind int

const (
	EventTrack TransportEventKind = iota
	EventICECandidate
	EventConnectionState
)

func (k TransportEventKind) String() string {
	switch k {
	case EventTrack:
		return "track"
	case EventICECandidate:
		return "ice-candidate"
	case EventConnectionState:
		return "connection-state"
	}
	return "unknown"
}

// TransportEvent is one callback from a Transport.
type TransportEvent struct {
	Kind      TransportEventKind
	Track     RemoteTrack
	Candidate *webrtc.ICECandidateInit
	State     webrtc.PeerConnectionState

	// generation of the transport that produced the event; events from a
	// closed transport carry a stale generation and are dropped.
	generation uint64
}

// IncomingCall is an offer buffered while the session was idle.
type IncomingCall struct {
	CallerID   string
	CallerName string
	Offer      webrtc.SessionDescription
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State        State
	IncomingCall *IncomingCall
	RemoteTrack  RemoteTrack
	PeerID       string
	HasMedia     bool
	HasTransport bool
}
