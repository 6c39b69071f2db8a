//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/call"
)

// Microphone capture relies on the V4L2/malgo drivers of pion/mediadevices,
// which this build only wires up on Linux.
type Microphone struct{}

func NewMicrophone() (*Microphone, error) {
	return nil, errors.Wrap(ErrCaptureFailed, "microphone capture is only available on linux")
}

func (m *Microphone) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (m *Microphone) AcquireLocalAudio(context.Context) (call.LocalStream, error) {
	return nil, ErrCaptureFailed
}

func (m *Microphone) ReleaseStream(ls call.LocalStream) { releaseStream(ls) }
