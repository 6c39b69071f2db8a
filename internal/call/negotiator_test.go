package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/peercall/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestNewValidatesOptions(t *testing.T) {
	valid := Options{
		SelfID:       "a",
		SelfName:     "Ann",
		RoomID:       "lobby",
		Bus:          newRecordingBus(),
		Media:        &fakeMedia{},
		NewTransport: (&fakeFactory{}).New,
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "no self id", mutate: func(o *Options) { o.SelfID = "" }},
		{name: "no self name", mutate: func(o *Options) { o.SelfName = "" }},
		{name: "no room", mutate: func(o *Options) { o.RoomID = "" }},
		{name: "no bus", mutate: func(o *Options) { o.Bus = nil }},
		{name: "no media", mutate: func(o *Options) { o.Media = nil }},
		{name: "no transport", mutate: func(o *Options) { o.NewTransport = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	n, err := New(valid)
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, StateIdle, n.Snapshot().State)
}

func TestInitiateCallThenEndCallReleasesEverything(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	a := newPeer(t, b, "a", "Ann")

	require.NoError(t, a.n.InitiateCall(ctx, "b"))

	snap := a.n.Snapshot()
	assert.Equal(t, StateCalling, snap.State)
	assert.Equal(t, "b", snap.PeerID)
	assert.True(t, snap.HasMedia)
	assert.True(t, snap.HasTransport)
	assert.Equal(t, 1, b.count(models.SignalTypeOffer, "b"))
	assert.Equal(t, 1, b.total())
	assert.Equal(t, 1, a.factory.last(t).tracks)
	assert.Equal(t, DefaultICEServers, a.factory.lastConfig.ICEServers)

	require.NoError(t, a.n.EndCall(ctx))
	snap = a.n.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasMedia)
	assert.False(t, snap.HasTransport)
	assert.Empty(t, snap.PeerID)

	acquired, released := a.media.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	_, _, closed := a.factory.last(t).snapshot()
	assert.Equal(t, 1, closed)

	// Hanging up again releases nothing twice and signals nobody.
	require.NoError(t, a.n.EndCall(ctx))
	_, released = a.media.counts()
	assert.Equal(t, 1, released)
	_, _, closed = a.factory.last(t).snapshot()
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, b.total())
}

func TestInitiateCallFailuresReturnToIdle(t *testing.T) {
	ctx := context.Background()
	denied := errors.New("permission denied")

	t.Run("microphone denied", func(t *testing.T) {
		b := newRecordingBus()
		a := newPeer(t, b, "a", "Ann")
		a.media.acquireErr = denied

		err := a.n.InitiateCall(ctx, "b")
		assert.ErrorIs(t, err, denied)
		snap := a.n.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.False(t, snap.HasTransport)
		assert.Equal(t, 0, a.factory.count())
		assert.Equal(t, 0, b.total())
	})

	t.Run("offer creation fails", func(t *testing.T) {
		b := newRecordingBus()
		a := newPeer(t, b, "a", "Ann")
		a.factory.offerErr = errors.New("no codecs")

		assert.Error(t, a.n.InitiateCall(ctx, "b"))
		snap := a.n.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.False(t, snap.HasMedia)
		_, released := a.media.counts()
		assert.Equal(t, 1, released)
		_, _, closed := a.factory.last(t).snapshot()
		assert.Equal(t, 1, closed)
	})

	t.Run("bus append fails", func(t *testing.T) {
		b := newRecordingBus()
		b.setFail(errors.New("relay unreachable"))
		a := newPeer(t, b, "a", "Ann")

		assert.Error(t, a.n.InitiateCall(ctx, "b"))
		snap := a.n.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.False(t, snap.HasTransport)
		_, _, closed := a.factory.last(t).snapshot()
		assert.Equal(t, 1, closed)
	})

	t.Run("already calling", func(t *testing.T) {
		b := newRecordingBus()
		a := newPeer(t, b, "a", "Ann")
		require.NoError(t, a.n.InitiateCall(ctx, "b"))

		assert.ErrorIs(t, a.n.InitiateCall(ctx, "c"), ErrBusy)
		assert.Equal(t, "b", a.n.Snapshot().PeerID)
		assert.Equal(t, 1, a.factory.count())
	})

	t.Run("bad target", func(t *testing.T) {
		a := newPeer(t, newRecordingBus(), "a", "Ann")
		assert.Error(t, a.n.InitiateCall(ctx, ""))
		assert.Error(t, a.n.InitiateCall(ctx, "a"))
		assert.Equal(t, StateIdle, a.n.Snapshot().State)
	})
}

func TestOfferDroppedWhileBusy(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	a := newPeer(t, b, "a", "Ann")

	require.NoError(t, a.n.InitiateCall(ctx, "b"))
	require.NoError(t, a.n.HandleSignalMessage(ctx, offerFrom(t, "c", "Cid", "a")))

	snap := a.n.Snapshot()
	assert.Equal(t, StateCalling, snap.State)
	assert.Nil(t, snap.IncomingCall)

	// Same once connected.
	a.factory.last(t).emit(TransportEvent{Kind: EventConnectionState, State: webrtc.PeerConnectionStateConnected})
	require.Equal(t, StateConnected, a.n.Snapshot().State)
	require.NoError(t, a.n.HandleSignalMessage(ctx, offerFrom(t, "c", "Cid", "a")))
	snap = a.n.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.Nil(t, snap.IncomingCall)
}

func TestIrrelevantRecordsIgnored(t *testing.T) {
	ctx := context.Background()
	a := newPeer(t, newRecordingBus(), "a", "Ann")

	own := offerFrom(t, "a", "Ann", "a")
	other := offerFrom(t, "c", "Cid", "b")
	chat := &models.Record{RoomID: models.LobbyRoomID, Body: `{"type": "homework"}`, UserID: "c"}
	garbage := &models.Record{RoomID: models.LobbyRoomID, Body: "{not json", UserID: "c"}

	for _, rec := range []*models.Record{nil, own, other, chat, garbage} {
		require.NoError(t, a.n.HandleSignalMessage(ctx, rec))
	}
	snap := a.n.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.IncomingCall)
}

func TestEarlyICECandidatesAreDropped(t *testing.T) {
	ctx := context.Background()
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}

	t.Run("before accepting", func(t *testing.T) {
		bob := newPeer(t, newRecordingBus(), "b", "Bob")
		require.NoError(t, bob.n.HandleSignalMessage(ctx, offerFrom(t, "a", "Ann", "b")))
		require.NoError(t, bob.n.HandleSignalMessage(ctx,
			signalRecord(t, "a", "Ann", "b", models.SignalTypeICECandidate, candidate)))

		require.NoError(t, bob.n.AcceptCall(ctx))
		candidates, _, _ := bob.factory.last(t).snapshot()
		assert.Equal(t, 0, candidates, "early candidate must not be replayed")
	})

	t.Run("before the answer", func(t *testing.T) {
		ann := newPeer(t, newRecordingBus(), "a", "Ann")
		require.NoError(t, ann.n.InitiateCall(ctx, "b"))
		require.NoError(t, ann.n.HandleSignalMessage(ctx,
			signalRecord(t, "b", "Bob", "a", models.SignalTypeICECandidate, candidate)))

		tr := ann.factory.last(t)
		candidates, _, _ := tr.snapshot()
		assert.Equal(t, 0, candidates)

		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
		require.NoError(t, ann.n.HandleSignalMessage(ctx,
			signalRecord(t, "b", "Bob", "a", models.SignalTypeAnswer, answer)))
		candidates, _, _ = tr.snapshot()
		assert.Equal(t, 0, candidates, "dropped candidate stays dropped")

		require.NoError(t, ann.n.HandleSignalMessage(ctx,
			signalRecord(t, "b", "Bob", "a", models.SignalTypeICECandidate, candidate)))
		candidates, _, _ = tr.snapshot()
		assert.Equal(t, 1, candidates)
	})
}

func TestAnswerIgnoredWhenStable(t *testing.T) {
	ctx := context.Background()
	ann := newPeer(t, newRecordingBus(), "a", "Ann")
	require.NoError(t, ann.n.InitiateCall(ctx, "b"))

	answer := signalRecord(t, "b", "Bob", "a", models.SignalTypeAnswer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})
	require.NoError(t, ann.n.HandleSignalMessage(ctx, answer))
	require.NoError(t, ann.n.HandleSignalMessage(ctx, answer))

	_, remoteSets, _ := ann.factory.last(t).snapshot()
	assert.Equal(t, 1, remoteSets)
	assert.Equal(t, StateConnected, ann.n.Snapshot().State)

	// Without any transport an answer is a no-op too.
	idle := newPeer(t, newRecordingBus(), "c", "Cid")
	require.NoError(t, idle.n.HandleSignalMessage(ctx,
		signalRecord(t, "b", "Bob", "c", models.SignalTypeAnswer,
			webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"})))
	assert.Equal(t, StateIdle, idle.n.Snapshot().State)
}

func TestRejectWithoutIncomingCallIsNoop(t *testing.T) {
	b := newRecordingBus()
	bob := newPeer(t, b, "b", "Bob")

	require.NoError(t, bob.n.RejectCall(context.Background()))
	assert.Equal(t, 0, b.total())
	assert.Equal(t, StateIdle, bob.n.Snapshot().State)
	acquired, _ := bob.media.counts()
	assert.Equal(t, 0, acquired)

	assert.ErrorIs(t, bob.n.AcceptCall(context.Background()), ErrNoIncomingCall)
	assert.Equal(t, 0, bob.factory.count())
}

func TestDuplicateOfferLastWriteWins(t *testing.T) {
	ctx := context.Background()
	bob := newPeer(t, newRecordingBus(), "b", "Bob")

	require.NoError(t, bob.n.HandleSignalMessage(ctx, offerFrom(t, "a", "Ann", "b")))
	require.NoError(t, bob.n.HandleSignalMessage(ctx, offerFrom(t, "a", "Annie", "b")))

	ic := bob.n.Snapshot().IncomingCall
	require.NotNil(t, ic)
	assert.Equal(t, "a", ic.CallerID)
	assert.Equal(t, "Annie", ic.CallerName)
	assert.Equal(t, webrtc.SDPTypeOffer, ic.Offer.Type)
	assert.Equal(t, StateIdle, bob.n.Snapshot().State)
}

func TestScenarioCallAccepted(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	ann := newPeer(t, b, "a", "Ann")
	bob := newPeer(t, b, "b", "Bob")

	for _, p := range []*peer{ann, bob} {
		stop, err := p.n.Listen(ctx)
		require.NoError(t, err)
		t.Cleanup(stop)
	}

	require.NoError(t, ann.n.InitiateCall(ctx, "b"))
	assert.Equal(t, 1, b.count(models.SignalTypeOffer, "b"))

	require.Eventually(t, func() bool { return bob.n.Snapshot().IncomingCall != nil }, waitFor, tick)
	ic := bob.n.Snapshot().IncomingCall
	assert.Equal(t, "a", ic.CallerID)
	assert.Equal(t, "Ann", ic.CallerName)
	assert.Equal(t, "v=0 fake-offer", ic.Offer.SDP)

	require.NoError(t, bob.n.AcceptCall(ctx))
	assert.Equal(t, 1, b.count(models.SignalTypeAnswer, "a"))
	assert.Nil(t, bob.n.Snapshot().IncomingCall)

	require.Eventually(t, func() bool { return ann.n.Snapshot().State == StateConnected }, waitFor, tick)
	assert.Equal(t, StateConnected, bob.n.Snapshot().State)
	assert.Equal(t, 1, b.count(models.SignalTypeOffer, "b"))
	assert.Equal(t, 1, b.count(models.SignalTypeAnswer, "a"))
}

func TestScenarioCallRejected(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	ann := newPeer(t, b, "a", "Ann")
	bob := newPeer(t, b, "b", "Bob")

	for _, p := range []*peer{ann, bob} {
		stop, err := p.n.Listen(ctx)
		require.NoError(t, err)
		t.Cleanup(stop)
	}

	require.NoError(t, ann.n.InitiateCall(ctx, "b"))
	require.Eventually(t, func() bool { return bob.n.Snapshot().IncomingCall != nil }, waitFor, tick)

	require.NoError(t, bob.n.RejectCall(ctx))
	assert.Equal(t, 1, b.count(models.SignalTypeEndCall, "a"))
	acquired, _ := bob.media.counts()
	assert.Equal(t, 0, acquired, "rejecting never touches the microphone")

	require.Eventually(t, func() bool { return ann.n.Snapshot().State == StateIdle }, waitFor, tick)
	snap := ann.n.Snapshot()
	assert.False(t, snap.HasMedia)
	assert.False(t, snap.HasTransport)
	_, released := ann.media.counts()
	assert.Equal(t, 1, released)
}

func TestEndCallRejectsPendingIncomingCall(t *testing.T) {
	ctx := context.Background()
	b := newRecordingBus()
	bob := newPeer(t, b, "b", "Bob")

	require.NoError(t, bob.n.HandleSignalMessage(ctx, offerFrom(t, "a", "Ann", "b")))
	require.NoError(t, bob.n.EndCall(ctx))

	assert.Equal(t, 1, b.count(models.SignalTypeEndCall, "a"))
	assert.Nil(t, bob.n.Snapshot().IncomingCall)
}

func TestEndCallNotifiesPeerOnlyWhenConfigured(t *testing.T) {
	ctx := context.Background()

	quiet := newRecordingBus()
	ann := newPeer(t, quiet, "a", "Ann")
	require.NoError(t, ann.n.InitiateCall(ctx, "b"))
	require.NoError(t, ann.n.EndCall(ctx))
	assert.Equal(t, 0, quiet.count(models.SignalTypeEndCall, "b"))

	loud := newRecordingBus()
	ann2 := newPeer(t, loud, "a", "Ann", func(o *Options) { o.NotifyPeerOnHangup = true })
	require.NoError(t, ann2.n.InitiateCall(ctx, "b"))
	require.NoError(t, ann2.n.EndCall(ctx))
	assert.Equal(t, 1, loud.count(models.SignalTypeEndCall, "b"))
}

func TestRemoteEndCallCleansUp(t *testing.T) {
	ctx := context.Background()
	ann := newPeer(t, newRecordingBus(), "a", "Ann")
	require.NoError(t, ann.n.InitiateCall(ctx, "b"))

	require.NoError(t, ann.n.HandleSignalMessage(ctx,
		signalRecord(t, "b", "Bob", "a", models.SignalTypeEndCall, struct{}{})))

	snap := ann.n.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasTransport)
	_, released := ann.media.counts()
	assert.Equal(t, 1, released)
}

func TestTransportEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("local candidates go to the peer", func(t *testing.T) {
		b := newRecordingBus()
		ann := newPeer(t, b, "a", "Ann")
		require.NoError(t, ann.n.InitiateCall(ctx, "b"))

		ann.factory.last(t).emit(TransportEvent{
			Kind:      EventICECandidate,
			Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 198.51.100.7 4000 typ host"},
		})
		ann.n.Snapshot()
		assert.Equal(t, 1, b.count(models.SignalTypeICECandidate, "b"))
	})

	for _, state := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
	} {
		t.Run("cleanup on "+state.String(), func(t *testing.T) {
			ann := newPeer(t, newRecordingBus(), "a", "Ann")
			require.NoError(t, ann.n.InitiateCall(ctx, "b"))
			ann.factory.last(t).emit(TransportEvent{Kind: EventConnectionState, State: state})

			snap := ann.n.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.False(t, snap.HasMedia)
			assert.False(t, snap.HasTransport)
		})
	}

	t.Run("events from a closed transport are ignored", func(t *testing.T) {
		ann := newPeer(t, newRecordingBus(), "a", "Ann")
		require.NoError(t, ann.n.InitiateCall(ctx, "b"))
		old := ann.factory.last(t)
		require.NoError(t, ann.n.EndCall(ctx))

		require.NoError(t, ann.n.InitiateCall(ctx, "c"))
		old.emit(TransportEvent{Kind: EventConnectionState, State: webrtc.PeerConnectionStateFailed})

		snap := ann.n.Snapshot()
		assert.Equal(t, StateCalling, snap.State)
		assert.Equal(t, "c", snap.PeerID)
	})
}

func TestOnChangeReportsEndedBeforeIdle(t *testing.T) {
	ctx := context.Background()
	ann := newPeer(t, newRecordingBus(), "a", "Ann")

	var mu sync.Mutex
	var states []State
	ann.n.OnChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	require.NoError(t, ann.n.InitiateCall(ctx, "b"))
	require.NoError(t, ann.n.EndCall(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, StateCalling, states[0])
	assert.Equal(t, []State{StateEnded, StateIdle}, states[len(states)-2:])
}

func TestClosedNegotiatorRejectsOperations(t *testing.T) {
	ann := newPeer(t, newRecordingBus(), "a", "Ann")
	require.NoError(t, ann.n.InitiateCall(context.Background(), "b"))

	ann.n.Close()
	ann.n.Close()

	assert.ErrorIs(t, ann.n.InitiateCall(context.Background(), "b"), ErrClosed)
	_, released := ann.media.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, StateIdle, ann.n.Snapshot().State)
}
