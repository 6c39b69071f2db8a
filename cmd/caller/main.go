// Command caller is a headless call peer. It joins a room on a relay, places
// or answers one audio call through the room's record stream and can record
// what the other side sends.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/config"
	"github.com/studyhub/peercall/internal/bus"
	"github.com/studyhub/peercall/internal/call"
	"github.com/studyhub/peercall/internal/media"
	"github.com/studyhub/peercall/internal/models"
)

var log = logging.Logger("caller")

type flags struct {
	call   string
	peer   string
	room   string
	accept bool
	record string
}

func main() {
	cfg := config.Load()

	var f flags
	flag.StringVar(&f.call, "call", "", "user id to call; uses the direct room shared with that user")
	flag.StringVar(&f.peer, "peer", "", "user id whose direct room to wait in")
	flag.StringVar(&f.room, "room", "", "room to join (default CALLER_ROOM)")
	flag.BoolVar(&f.accept, "accept", false, "answer incoming calls automatically instead of rejecting them")
	flag.StringVar(&f.record, "record", "", "write received audio to this .ogg file")
	flag.StringVar(&cfg.Caller.MediaSource, "media", cfg.Caller.MediaSource, "audio source: microphone or silence")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags) error {
	cc := cfg.Caller
	if cc.Username == "" || cc.Password == "" {
		return errors.New("CALLER_USERNAME and CALLER_PASSWORD are required")
	}

	auth, err := authenticate(ctx, cc)
	if err != nil {
		return err
	}
	log.Infof("signed in as %s (%s)", auth.Name, auth.UserID)

	room := pickRoom(cc.Room, auth.UserID, f)
	conn, err := bus.Dial(ctx, cc.ServerURL, room, auth.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	capture, pionOpts, err := media.NewCapture(cc.MediaSource)
	if err != nil {
		return err
	}
	factory, err := call.NewPionTransportFactory(pionOptions(cc, pionOpts)...)
	if err != nil {
		return err
	}

	neg, err := call.New(call.Options{
		SelfID:       auth.UserID,
		SelfName:     auth.Name,
		RoomID:       room,
		ICEServers:   iceServers(cfg.ICEServers),
		Bus:          conn,
		Media:        capture,
		NewTransport: factory,
	})
	if err != nil {
		return err
	}
	defer neg.Close()

	changed := make(chan struct{}, 1)
	neg.OnChange(func(call.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	stopListen, err := neg.Listen(ctx)
	if err != nil {
		return err
	}
	defer stopListen()
	log.Infof("listening in room %s", room)

	s := session{neg: neg, accept: f.accept, recordPath: f.record}
	defer s.stopRecording()

	if f.call != "" {
		if err := s.placeCall(ctx, f.call); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("hanging up")
			hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return neg.EndCall(hangupCtx)
		case <-conn.Done():
			return errors.New("relay connection lost")
		case <-changed:
			if done := s.update(ctx); done && f.call != "" {
				log.Info("call finished")
				return nil
			}
		}
	}
}

// session reacts to negotiator state changes on the main goroutine.
type session struct {
	neg        *call.Negotiator
	accept     bool
	recordPath string

	inCall   bool
	recorder *media.Recorder
}

// placeCall starts a call to target. The session counts as in a call from
// here on, so an end that lands before any change is handled still finishes
// it.
func (s *session) placeCall(ctx context.Context, target string) error {
	if err := s.neg.InitiateCall(ctx, target); err != nil {
		return errors.Wrapf(err, "call %s", target)
	}
	s.inCall = true
	log.Infof("calling %s", target)
	return nil
}

// update applies the latest snapshot and reports whether a call just ended.
func (s *session) update(ctx context.Context) bool {
	snap := s.neg.Snapshot()

	if snap.IncomingCall != nil && snap.State == call.StateIdle {
		log.Infof("incoming call from %s (%s)", snap.IncomingCall.CallerName, snap.IncomingCall.CallerID)
		if s.accept {
			if err := s.neg.AcceptCall(ctx); err != nil {
				log.Errorf("accept call: %v", err)
			} else {
				s.inCall = true
			}
		} else {
			log.Info("rejecting, run with -accept to answer")
			if err := s.neg.RejectCall(ctx); err != nil {
				log.Errorf("reject call: %v", err)
			}
		}
		snap = s.neg.Snapshot()
	}

	if snap.RemoteTrack != nil && s.recordPath != "" && s.recorder == nil {
		rec, err := media.StartRecorder(s.recordPath, snap.RemoteTrack)
		if err != nil {
			log.Errorf("start recording: %v", err)
			s.recordPath = ""
		} else {
			s.recorder = rec
		}
	}

	switch snap.State {
	case call.StateCalling, call.StateConnected:
		if !s.inCall {
			log.Infof("call %s with %s", snap.State, snap.PeerID)
		}
		s.inCall = true
	case call.StateIdle, call.StateEnded:
		if s.inCall {
			s.inCall = false
			s.stopRecording()
			return true
		}
	}
	return false
}

func (s *session) stopRecording() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Stop(); err != nil {
		log.Warnf("stop recording: %v", err)
	}
	s.recorder = nil
}

// authenticate logs in, creating the account on first use.
func authenticate(ctx context.Context, cc config.CallerConfig) (*models.LoginResponse, error) {
	auth, err := bus.Login(ctx, cc.ServerURL, cc.Username, cc.Password)
	if err == nil {
		return auth, nil
	}
	log.Debugf("login failed, trying to register: %v", err)
	auth, regErr := bus.Register(ctx, cc.ServerURL, cc.Username, cc.Password, cc.DisplayName)
	if regErr != nil {
		return nil, errors.Wrapf(err, "login failed and registration failed too (%v)", regErr)
	}
	return auth, nil
}

func pickRoom(defaultRoom, selfID string, f flags) string {
	switch {
	case f.room != "":
		return f.room
	case f.call != "":
		return models.DirectRoomID(selfID, f.call)
	case f.peer != "":
		return models.DirectRoomID(selfID, f.peer)
	}
	return defaultRoom
}

// pionOptions adds the configured ICE timeouts to base. Unset timeouts keep
// the pion defaults.
func pionOptions(cc config.CallerConfig, base []call.PionOption) []call.PionOption {
	if cc.ICEDisconnectedTimeout <= 0 || cc.ICEFailedTimeout <= 0 || cc.ICEKeepAliveInterval <= 0 {
		return base
	}
	return append(base, call.WithICETimeouts(cc.ICEDisconnectedTimeout, cc.ICEFailedTimeout, cc.ICEKeepAliveInterval))
}

func iceServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
