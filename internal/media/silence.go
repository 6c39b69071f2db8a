package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/call"
)

// opusSilenceFrame is a single 20 ms Opus frame of digital silence.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// Silence is a capture backend that needs no device: it streams Opus
// silence. Headless peers use it to answer calls on machines without a
// microphone.
type Silence struct{}

// NewSilence returns a silence source.
func NewSilence() *Silence { return &Silence{} }

func (s *Silence) AcquireLocalAudio(ctx context.Context) (call.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrCaptureFailed, err.Error())
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "silence-"+uuid.New().String())
	if err != nil {
		return nil, errors.Wrap(ErrCaptureFailed, err.Error())
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(opusFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := track.WriteSample(pionmedia.Sample{Data: opusSilenceFrame, Duration: opusFrameDuration}); err != nil {
					log.Debugf("silence track write: %v", err)
				}
			}
		}
	}()

	log.Debugf("silence track %s started", track.ID())
	return &Stream{
		tracks: []webrtc.TrackLocal{track},
		stop:   func() { close(done) },
	}, nil
}

func (s *Silence) ReleaseStream(ls call.LocalStream) { releaseStream(ls) }
