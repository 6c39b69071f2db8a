// Package media provides local audio capture for calls and renders received
// audio to disk.
package media

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/call"
)

var log = logging.Logger("media")

// ErrCaptureFailed wraps every failure to open a local audio source,
// including a missing device or denied access.
var ErrCaptureFailed = errors.New("audio capture failed")

// Stream is a set of local tracks with a single stop action.
type Stream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// Tracks returns the tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Stop ends every track. Only the first call has an effect.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// releaseStream stops s if it was produced by this package.
func releaseStream(s call.LocalStream) {
	if st, ok := s.(*Stream); ok {
		st.Stop()
		return
	}
	log.Warnf("release of foreign stream %T ignored", s)
}

// NewCapture returns the capture backend named by source ("microphone" or
// "silence") together with the pion options it needs.
func NewCapture(source string) (call.MediaCapture, []call.PionOption, error) {
	switch source {
	case "", "silence":
		return NewSilence(), nil, nil
	case "microphone":
		mic, err := NewMicrophone()
		if err != nil {
			return nil, nil, err
		}
		return mic, []call.PionOption{call.WithMediaEngine(mic.PopulateMediaEngine)}, nil
	}
	return nil, nil, errors.Errorf("unknown media source %q", source)
}
