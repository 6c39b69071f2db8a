package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/peercall/internal/bus"
	"github.com/studyhub/peercall/internal/models"
)

// ─── Media ──────────────────────────────────────────────────────────────────

type fakeStream struct {
	tracks []webrtc.TrackLocal
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
}

func (m *fakeMedia) AcquireLocalAudio(context.Context) (LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "test")
	if err != nil {
		return nil, err
	}
	return &fakeStream{tracks: []webrtc.TrackLocal{track}}, nil
}

func (m *fakeMedia) ReleaseStream(LocalStream) {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

// ─── Transport ──────────────────────────────────────────────────────────────

// fakeTransport mimics the signaling-state progression of a peer connection
// and reports "connected" as soon as negotiation completes.
type fakeTransport struct {
	mu         sync.Mutex
	emit       func(TransportEvent)
	tracks     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	state      webrtc.SignalingState
	candidates []webrtc.ICECandidateInit
	closed     int
	offerErr   error
}

func (t *fakeTransport) AddTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.offerErr != nil {
		return webrtc.SessionDescription{}, t.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.local = &desc
	connected := false
	if desc.Type == webrtc.SDPTypeOffer {
		t.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		t.state = webrtc.SignalingStateStable
		connected = true
	}
	t.mu.Unlock()
	if connected {
		t.emit(TransportEvent{Kind: EventConnectionState, State: webrtc.PeerConnectionStateConnected})
	}
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remote = &desc
	t.remoteSets++
	connected := false
	if desc.Type == webrtc.SDPTypeOffer {
		t.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		t.state = webrtc.SignalingStateStable
		connected = true
	}
	t.mu.Unlock()
	if connected {
		t.emit(TransportEvent{Kind: EventConnectionState, State: webrtc.PeerConnectionStateConnected})
	}
	return nil
}

func (t *fakeTransport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) snapshot() (candidates, remoteSets, closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates), t.remoteSets, t.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	created    []*fakeTransport
	createErr  error
	offerErr   error
	lastConfig webrtc.Configuration
}

func (f *fakeFactory) New(cfg webrtc.Configuration, emit func(TransportEvent)) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	t := &fakeTransport{emit: emit, state: webrtc.SignalingStateStable, offerErr: f.offerErr}
	f.created = append(f.created, t)
	f.lastConfig = cfg
	return t, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.created, "no transport created")
	return f.created[len(f.created)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// ─── Bus ────────────────────────────────────────────────────────────────────

// recordingBus remembers every signal appended through it.
type recordingBus struct {
	*bus.Memory

	mu   sync.Mutex
	sent []models.SignalMessage
	fail error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{Memory: bus.NewMemory()}
}

func (b *recordingBus) Append(ctx context.Context, rec *models.Record) error {
	b.mu.Lock()
	fail := b.fail
	if fail == nil {
		if sig, ok := models.ParseSignal(rec.Body); ok {
			b.sent = append(b.sent, *sig)
		}
	}
	b.mu.Unlock()
	if fail != nil {
		return fail
	}
	return b.Memory.Append(ctx, rec)
}

func (b *recordingBus) count(typ models.SignalType, target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sent {
		if s.Type == typ && s.TargetUserID == target {
			n++
		}
	}
	return n
}

func (b *recordingBus) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *recordingBus) setFail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type peer struct {
	n       *Negotiator
	media   *fakeMedia
	factory *fakeFactory
}

func newPeer(t *testing.T, b SignalBus, id, name string, mutate ...func(*Options)) *peer {
	t.Helper()
	p := &peer{media: &fakeMedia{}, factory: &fakeFactory{}}
	opts := Options{
		SelfID:       id,
		SelfName:     name,
		RoomID:       models.LobbyRoomID,
		Bus:          b,
		Media:        p.media,
		NewTransport: p.factory.New,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	p.n = n
	return p
}

func signalRecord(t *testing.T, fromID, fromName, target string, typ models.SignalType, payload any) *models.Record {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(models.SignalMessage{
		Type:         typ,
		TargetUserID: target,
		SenderID:     fromID,
		SenderName:   fromName,
		Payload:      raw,
	})
	require.NoError(t, err)
	return &models.Record{
		ID:       "rec-" + string(typ),
		RoomID:   models.LobbyRoomID,
		Body:     string(body),
		UserID:   fromID,
		Username: fromName,
	}
}

func offerFrom(t *testing.T, fromID, fromName, target string) *models.Record {
	return signalRecord(t, fromID, fromName, target, models.SignalTypeOffer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer-from-" + fromID})
}
