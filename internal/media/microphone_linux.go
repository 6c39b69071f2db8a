//go:build linux

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/call"
)

// Microphone captures the default input device through pion/mediadevices
// and encodes it with Opus.
type Microphone struct {
	selector *mediadevices.CodecSelector
}

// NewMicrophone prepares the Opus encoder. No device is opened until
// AcquireLocalAudio.
func NewMicrophone() (*Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(err, "opus params")
	}
	return &Microphone{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

// PopulateMediaEngine registers the encoder's codecs with the pion engine
// that will carry the captured tracks.
func (m *Microphone) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	m.selector.Populate(me)
	return nil
}

func (m *Microphone) AcquireLocalAudio(ctx context.Context) (call.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrCaptureFailed, err.Error())
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: m.selector,
	})
	if err != nil {
		return nil, errors.Wrap(ErrCaptureFailed, "GetUserMedia(audio): "+err.Error())
	}

	tracks := stream.GetTracks()
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		local = append(local, track)
	}
	log.Infof("microphone captured, %d track(s)", len(tracks))

	return &Stream{
		tracks: local,
		stop: func() {
			for _, t := range tracks {
				if err := t.Close(); err != nil {
					log.Debugf("close local track: %v", err)
				}
			}
		},
	}, nil
}

func (m *Microphone) ReleaseStream(ls call.LocalStream) { releaseStream(ls) }
