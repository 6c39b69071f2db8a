package media

import (
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

// RTPReader is the read side of a received track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Recorder writes the Opus payload of a remote track into an Ogg file.
type Recorder struct {
	path string

	mu      sync.Mutex
	writer  *oggwriter.OggWriter
	packets int
	stopped bool

	done chan struct{}
}

// StartRecorder creates path and copies packets from track into it until
// the track ends or Stop is called.
func StartRecorder(path string, track RTPReader) (*Recorder, error) {
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return nil, errors.Wrapf(err, "create ogg file %s", path)
	}
	r := &Recorder{path: path, writer: w, done: make(chan struct{})}
	go r.pump(track)
	log.Infof("recording remote audio to %s", path)
	return r, nil
}

func (r *Recorder) pump(track RTPReader) {
	defer close(r.done)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("recorder read: %v", err)
			}
			return
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		if err := r.writer.WriteRTP(pkt); err != nil {
			log.Warnf("recorder write: %v", err)
		} else {
			r.packets++
		}
		r.mu.Unlock()
	}
}

// Done is closed once the source track has ended.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Packets returns how many RTP packets were written so far.
func (r *Recorder) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Stop flushes and closes the file. It is safe to call more than once.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	log.Infof("recording %s closed after %d packets", r.path, r.packets)
	return errors.Wrap(r.writer.Close(), "close ogg file")
}
