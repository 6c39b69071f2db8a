// Package bus carries room records between producers and subscribers.
// Memory fans out in-process, Redis fans out across relay instances and
// WSClient talks to a relay server over its websocket record stream.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

var log = logging.Logger("bus")

// subscriberBuffer bounds how far a slow subscriber may lag before records
// addressed to it are dropped.
const subscriberBuffer = 256

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Bus is an append/subscribe record stream keyed by room.
type Bus interface {
	Append(ctx context.Context, rec *models.Record) error
	Subscribe(ctx context.Context, roomID string) (<-chan *models.Record, func(), error)
}

// stamp fills in the server-assigned fields of rec when they are missing.
func stamp(rec *models.Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}

// Memory is an in-process Bus. Records are delivered to every subscriber of
// the room in append order.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[chan *models.Record]struct{}
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan *models.Record]struct{})}
}

// Append stamps rec and delivers a copy to every subscriber of rec.RoomID.
func (m *Memory) Append(_ context.Context, rec *models.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	stamp(rec)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for ch := range m.subs[rec.RoomID] {
		cp := *rec
		select {
		case ch <- &cp:
		default:
			log.Warnf("subscriber buffer full in room %s, dropping record %s", rec.RoomID, rec.ID)
		}
	}
	return nil
}

// Subscribe returns a channel of records appended to roomID from now on.
// The channel is closed by cancel or when ctx ends.
func (m *Memory) Subscribe(ctx context.Context, roomID string) (<-chan *models.Record, func(), error) {
	ch := make(chan *models.Record, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if m.subs[roomID] == nil {
		m.subs[roomID] = make(map[chan *models.Record]struct{})
	}
	m.subs[roomID][ch] = struct{}{}
	m.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			m.mu.Lock()
			if set, ok := m.subs[roomID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(m.subs, roomID)
				}
			}
			m.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	return ch, cancel, nil
}

// Close closes every subscription. Further appends fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for room, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, room)
	}
}
