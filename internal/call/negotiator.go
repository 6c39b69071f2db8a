// Package call negotiates one-to-one peer-to-peer audio calls, using a room's
// record stream as the only signaling channel.
//
// A Negotiator owns at most one call at a time. All of its state is mutated
// on a single goroutine: user operations, records from the signal bus and
// transport callbacks are queued in arrival order and applied one at a time.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

var log = logging.Logger("call")

var (
	ErrBusy           = errors.New("call already in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrClosed         = errors.New("negotiator closed")
)

// signalTimeout bounds bus appends made on behalf of transport callbacks,
// which have no caller context.
const signalTimeout = 10 * time.Second

// DefaultICEServers are used when Options.ICEServers is empty.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:global.stun.twilio.com:3478"}},
}

// Options configures a Negotiator. Every field except ICEServers and
// NotifyPeerOnHangup is required.
type Options struct {
	SelfID   string
	SelfName string
	RoomID   string

	ICEServers []webrtc.ICEServer

	Bus          SignalBus
	Media        MediaCapture
	NewTransport TransportFactory

	// NotifyPeerOnHangup makes EndCall send end-call to the peer of an
	// established call. Off by default: only a pending incoming call is
	// notified.
	NotifyPeerOnHangup bool
}

// Negotiator is the per-session call state machine.
type Negotiator struct {
	opts Options

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	// Owned by the loop goroutine.
	state      State
	incoming   *IncomingCall
	local      LocalStream
	transport  Transport
	generation uint64
	peerID     string
	remote     RemoteTrack

	snapMu    sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// New validates opts and starts the negotiator's event loop.
func New(opts Options) (*Negotiator, error) {
	switch {
	case opts.SelfID == "":
		return nil, errors.New("self id is required")
	case opts.SelfName == "":
		return nil, errors.New("self display name is required")
	case opts.RoomID == "":
		return nil, errors.New("room id is required")
	case opts.Bus == nil:
		return nil, errors.New("signal bus is required")
	case opts.Media == nil:
		return nil, errors.New("media capture is required")
	case opts.NewTransport == nil:
		return nil, errors.New("transport factory is required")
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = DefaultICEServers
	}

	n := &Negotiator{
		opts:    opts,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   StateIdle,
		snap:    Snapshot{State: StateIdle},
	}
	go n.loop()
	return n, nil
}

// ─── Event loop ─────────────────────────────────────────────────────────────

func (n *Negotiator) loop() {
	defer close(n.stopped)
	for {
		select {
		case <-n.wake:
			for fn := n.next(); fn != nil; fn = n.next() {
				fn()
			}
		case <-n.done:
			return
		}
	}
}

func (n *Negotiator) next() func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return nil
	}
	fn := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	return fn
}

// post queues fn without waiting. It never blocks.
func (n *Negotiator) post(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// run queues fn and waits until the loop has executed it.
func (n *Negotiator) run(fn func()) error {
	finished := make(chan struct{})
	if !n.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-n.stopped:
		return ErrClosed
	}
}

func (n *Negotiator) runErr(fn func() error) error {
	var err error
	if rerr := n.run(func() { err = fn() }); rerr != nil {
		return rerr
	}
	return err
}

// ─── Public operations ──────────────────────────────────────────────────────

// InitiateCall places an audio call to targetUserID. On failure the session
// is back in idle with all resources released before InitiateCall returns.
func (n *Negotiator) InitiateCall(ctx context.Context, targetUserID string) error {
	return n.runErr(func() error { return n.initiate(ctx, targetUserID) })
}

// AcceptCall answers the pending incoming call.
func (n *Negotiator) AcceptCall(ctx context.Context) error {
	return n.runErr(func() error { return n.accept(ctx) })
}

// RejectCall declines the pending incoming call. Without one it does nothing.
func (n *Negotiator) RejectCall(ctx context.Context) error {
	return n.run(func() { n.reject(ctx) })
}

// EndCall hangs up. It is safe to call in any state, any number of times.
func (n *Negotiator) EndCall(ctx context.Context) error {
	return n.run(func() { n.end(ctx) })
}

// HandleSignalMessage applies one record from the signal bus.
func (n *Negotiator) HandleSignalMessage(ctx context.Context, rec *models.Record) error {
	return n.run(func() { n.handleSignal(ctx, rec) })
}

// HandleTransportEvent queues a transport callback. It never blocks.
func (n *Negotiator) HandleTransportEvent(ev TransportEvent) {
	n.post(func() { n.handleTransportEvent(ev) })
}

// Listen subscribes to the configured room and feeds every record into
// HandleSignalMessage in the background until ctx ends or stop is called.
func (n *Negotiator) Listen(ctx context.Context) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	records, unsubscribe, err := n.opts.Bus.Subscribe(ctx, n.opts.RoomID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe to signal bus")
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					log.Debugf("[%s] signal bus subscription closed", n.opts.SelfID)
					return
				}
				if err := n.HandleSignalMessage(ctx, rec); err != nil {
					return
				}
			}
		}
	}()
	return cancel, nil
}

// Snapshot returns the session state after every previously queued event has
// been applied.
func (n *Negotiator) Snapshot() Snapshot {
	var s Snapshot
	if err := n.run(func() { s = n.snapshot() }); err != nil {
		n.snapMu.RLock()
		defer n.snapMu.RUnlock()
		return n.snap
	}
	return s
}

// OnChange registers fn to be called after every state change. fn runs on
// the negotiator's goroutine: it must not block or call back into the
// Negotiator synchronously.
func (n *Negotiator) OnChange(fn func(Snapshot)) {
	n.snapMu.Lock()
	n.listeners = append(n.listeners, fn)
	n.snapMu.Unlock()
}

// Close hangs up and stops the event loop.
func (n *Negotiator) Close() {
	_ = n.run(func() { n.cleanup("negotiator closed") })

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	<-n.stopped
}

// ─── State transitions (loop goroutine only) ────────────────────────────────

func (n *Negotiator) initiate(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("target user id is required")
	}
	if target == n.opts.SelfID {
		return errors.New("cannot call yourself")
	}
	if n.state != StateIdle || n.transport != nil {
		log.Warnf("[%s] not calling %s: session is %s", n.opts.SelfID, target, n.state)
		return ErrBusy
	}

	n.state = StateCalling
	n.peerID = target
	n.publish()

	if err := n.setup(ctx); err != nil {
		return n.fail("start call", err)
	}
	offer, err := n.transport.CreateOffer()
	if err != nil {
		return n.fail("start call", errors.Wrap(err, "create offer"))
	}
	if err := n.transport.SetLocalDescription(offer); err != nil {
		return n.fail("start call", errors.Wrap(err, "set local description"))
	}
	if err := n.sendSignal(ctx, models.SignalTypeOffer, target, offer); err != nil {
		return n.fail("start call", err)
	}

	log.Infof("[%s] offer sent to %s", n.opts.SelfID, target)
	return nil
}

func (n *Negotiator) accept(ctx context.Context) error {
	if n.incoming == nil {
		return ErrNoIncomingCall
	}
	if n.state != StateIdle || n.transport != nil {
		return ErrBusy
	}
	ic := n.incoming

	n.state = StateCalling
	n.peerID = ic.CallerID
	n.publish()

	if err := n.setup(ctx); err != nil {
		return n.fail("accept call", err)
	}
	if err := n.transport.SetRemoteDescription(ic.Offer); err != nil {
		return n.fail("accept call", errors.Wrap(err, "set remote description"))
	}
	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return n.fail("accept call", errors.Wrap(err, "create answer"))
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		return n.fail("accept call", errors.Wrap(err, "set local description"))
	}
	if err := n.sendSignal(ctx, models.SignalTypeAnswer, ic.CallerID, answer); err != nil {
		return n.fail("accept call", err)
	}

	n.incoming = nil
	n.publish()
	log.Infof("[%s] answer sent to %s", n.opts.SelfID, ic.CallerID)
	return nil
}

func (n *Negotiator) reject(ctx context.Context) {
	if n.incoming == nil {
		return
	}
	ic := n.incoming
	n.incoming = nil
	n.publish()

	if err := n.sendSignal(ctx, models.SignalTypeEndCall, ic.CallerID, struct{}{}); err != nil {
		log.Warnf("[%s] reject call from %s: %v", n.opts.SelfID, ic.CallerID, err)
		return
	}
	log.Infof("[%s] rejected call from %s", n.opts.SelfID, ic.CallerID)
}

func (n *Negotiator) end(ctx context.Context) {
	if n.incoming != nil {
		n.reject(ctx)
	}
	if n.opts.NotifyPeerOnHangup && n.peerID != "" && n.transport != nil {
		if err := n.sendSignal(ctx, models.SignalTypeEndCall, n.peerID, struct{}{}); err != nil {
			log.Warnf("[%s] notify %s of hangup: %v", n.opts.SelfID, n.peerID, err)
		}
	}
	n.cleanup("hung up")
}

// setup acquires local audio and creates a transport carrying it.
func (n *Negotiator) setup(ctx context.Context) error {
	stream, err := n.opts.Media.AcquireLocalAudio(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire local audio")
	}
	n.local = stream

	n.generation++
	gen := n.generation
	t, err := n.opts.NewTransport(webrtc.Configuration{ICEServers: n.opts.ICEServers}, func(ev TransportEvent) {
		ev.generation = gen
		n.HandleTransportEvent(ev)
	})
	if err != nil {
		return errors.Wrap(err, "create transport")
	}
	n.transport = t

	for _, track := range stream.Tracks() {
		if err := t.AddTrack(track); err != nil {
			return errors.Wrap(err, "add local track")
		}
	}
	n.publish()
	return nil
}

// fail logs err, forces cleanup and returns err wrapped with op.
func (n *Negotiator) fail(op string, err error) error {
	log.Errorf("[%s] %s: %v", n.opts.SelfID, op, err)
	n.cleanup(op + " failed")
	return errors.Wrap(err, op)
}

// cleanup releases every call resource and returns to idle. Calling it with
// nothing to release changes nothing.
func (n *Negotiator) cleanup(reason string) {
	active := n.local != nil || n.transport != nil || n.state != StateIdle
	hadIncoming := n.incoming != nil

	if n.local != nil {
		n.opts.Media.ReleaseStream(n.local)
		n.local = nil
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			log.Warnf("[%s] close transport: %v", n.opts.SelfID, err)
		}
		n.transport = nil
		n.generation++
	}
	n.remote = nil
	n.peerID = ""
	n.incoming = nil

	if active {
		n.state = StateEnded
		n.publish()
		log.Infof("[%s] call ended: %s", n.opts.SelfID, reason)
	}
	n.state = StateIdle
	if active || hadIncoming {
		n.publish()
	}
}

func (n *Negotiator) handleSignal(ctx context.Context, rec *models.Record) {
	if rec == nil || rec.UserID == n.opts.SelfID {
		return
	}
	sig, ok := models.ParseSignal(rec.Body)
	if !ok || sig.TargetUserID != n.opts.SelfID {
		return
	}

	switch sig.Type {
	case models.SignalTypeOffer:
		if n.state != StateIdle || n.transport != nil {
			log.Infof("[%s] dropping offer from %s: session is %s", n.opts.SelfID, sig.SenderID, n.state)
			return
		}
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &offer); err != nil || offer.SDP == "" {
			log.Warnf("[%s] malformed offer from %s", n.opts.SelfID, sig.SenderID)
			return
		}
		offer.Type = webrtc.SDPTypeOffer
		n.incoming = &IncomingCall{
			CallerID:   sig.SenderID,
			CallerName: sig.SenderName,
			Offer:      offer,
		}
		n.publish()
		log.Infof("[%s] incoming call from %s (%s)", n.opts.SelfID, sig.SenderName, sig.SenderID)

	case models.SignalTypeAnswer:
		if n.transport == nil || n.transport.SignalingState() == webrtc.SignalingStateStable {
			log.Debugf("[%s] ignoring answer from %s", n.opts.SelfID, sig.SenderID)
			return
		}
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &answer); err != nil || answer.SDP == "" {
			log.Warnf("[%s] malformed answer from %s", n.opts.SelfID, sig.SenderID)
			return
		}
		answer.Type = webrtc.SDPTypeAnswer
		if err := n.transport.SetRemoteDescription(answer); err != nil {
			log.Errorf("[%s] apply answer from %s: %v", n.opts.SelfID, sig.SenderID, err)
		}

	case models.SignalTypeICECandidate:
		// Candidates that arrive before the remote description are dropped,
		// not queued.
		if n.transport == nil || n.transport.RemoteDescription() == nil {
			log.Debugf("[%s] dropping early ICE candidate from %s", n.opts.SelfID, sig.SenderID)
			return
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			log.Warnf("[%s] malformed ICE candidate from %s", n.opts.SelfID, sig.SenderID)
			return
		}
		if err := n.transport.AddICECandidate(candidate); err != nil {
			log.Warnf("[%s] add ICE candidate from %s: %v", n.opts.SelfID, sig.SenderID, err)
		}

	case models.SignalTypeEndCall:
		n.cleanup("remote ended the call")
	}
}

func (n *Negotiator) handleTransportEvent(ev TransportEvent) {
	if n.transport == nil || ev.generation != n.generation {
		log.Debugf("[%s] dropping stale %s event", n.opts.SelfID, ev.Kind)
		return
	}

	switch ev.Kind {
	case EventTrack:
		n.remote = ev.Track
		n.publish()

	case EventICECandidate:
		if ev.Candidate == nil || n.peerID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if err := n.sendSignal(ctx, models.SignalTypeICECandidate, n.peerID, ev.Candidate); err != nil {
			log.Warnf("[%s] %v", n.opts.SelfID, err)
		}

	case EventConnectionState:
		log.Debugf("[%s] connection state %s", n.opts.SelfID, ev.State)
		switch ev.State {
		case webrtc.PeerConnectionStateConnected:
			if n.state != StateConnected {
				n.state = StateConnected
				n.publish()
				log.Infof("[%s] connected to %s", n.opts.SelfID, n.peerID)
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			n.cleanup("connection " + ev.State.String())
		}
	}
}

// sendSignal appends one signal message addressed to target.
func (n *Negotiator) sendSignal(ctx context.Context, typ models.SignalType, target string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", typ)
	}
	body, err := json.Marshal(models.SignalMessage{
		Type:         typ,
		TargetUserID: target,
		SenderID:     n.opts.SelfID,
		SenderName:   n.opts.SelfName,
		Payload:      raw,
	})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", typ)
	}

	rec := &models.Record{
		RoomID:   n.opts.RoomID,
		Body:     string(body),
		UserID:   n.opts.SelfID,
		Username: n.opts.SelfName,
	}
	return errors.Wrapf(n.opts.Bus.Append(ctx, rec), "send %s to %s", typ, target)
}

func (n *Negotiator) snapshot() Snapshot {
	s := Snapshot{
		State:        n.state,
		RemoteTrack:  n.remote,
		PeerID:       n.peerID,
		HasMedia:     n.local != nil,
		HasTransport: n.transport != nil,
	}
	if n.incoming != nil {
		ic := *n.incoming
		s.IncomingCall = &ic
	}
	return s
}

func (n *Negotiator) publish() {
	s := n.snapshot()
	n.snapMu.Lock()
	n.snap = s
	listeners := make([]func(Snapshot), len(n.listeners))
	copy(listeners, n.listeners)
	n.snapMu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
