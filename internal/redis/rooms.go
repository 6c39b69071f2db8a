package redis

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/studyhub/peercall/internal/models"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars
)

var ErrRoomNotFound = errors.New("room not found")

// Rooms stores room metadata under room:<id>, the short code mapping under
// code:<code> and the connected members under room:<id>:members, a hash of
// user id to open connection count.
type Rooms struct {
	client *redis.Client
}

func NewRooms(client *redis.Client) *Rooms {
	return &Rooms{client: client}
}

func roomKey(id string) string    { return "room:" + id }
func codeKey(code string) string  { return "code:" + code }
func membersKey(id string) string { return "room:" + id + ":members" }

// GenerateRoomCode returns a random shareable room code.
func GenerateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// IsRoomCode reports whether identifier has the shape of a room code.
func IsRoomCode(identifier string) bool {
	return len(identifier) == roomCodeLength
}

// CreateRoom stores room and its code mapping.
func (r *Rooms) CreateRoom(ctx context.Context, room *models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return errors.Wrap(err, "marshal room")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
	pipe.Set(ctx, codeKey(room.Code), room.ID, roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "store room %s", room.ID)
	}
	log.Debugf("stored room %s (code %s)", room.ID, room.Code)
	return nil
}

// GetRoom resolves identifier as a room code or id and fills in the current
// member count.
func (r *Rooms) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier
	if IsRoomCode(identifier) {
		id, err := r.client.Get(ctx, codeKey(identifier)).Result()
		if err == nil {
			roomID = id
		} else if !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "resolve room code")
		}
	}

	data, err := r.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load room %s", roomID)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, errors.Wrap(err, "failed to parse room data")
	}

	count, err := r.client.HLen(ctx, membersKey(roomID)).Result()
	if err != nil {
		log.Warnf("count members of room %s: %v", roomID, err)
	}
	room.MemberCount = int(count)
	return &room, nil
}

// DeleteRoom removes the room, its code and its member set.
func (r *Rooms) DeleteRoom(ctx context.Context, room *models.RoomMetadata) error {
	err := r.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), membersKey(room.ID)).Err()
	return errors.Wrapf(err, "delete room %s", room.ID)
}

// releaseMember decrements a member's connection count and drops the member
// once no connection is left.
var releaseMember = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// AddMember records one more open connection of userID to roomID.
func (r *Rooms) AddMember(ctx context.Context, roomID, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, membersKey(roomID), userID, 1)
	pipe.Expire(ctx, membersKey(roomID), roomTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "add member to room %s", roomID)
}

// RemoveMember records that one connection of userID to roomID closed. The
// user stays a member while another connection is open.
func (r *Rooms) RemoveMember(ctx context.Context, roomID, userID string) error {
	return errors.Wrapf(releaseMember.Run(ctx, r.client, []string{membersKey(roomID)}, userID).Err(),
		"remove member from room %s", roomID)
}

// IsMember reports whether userID has an open connection to roomID.
func (r *Rooms) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := r.client.HExists(ctx, membersKey(roomID), userID).Result()
	return ok, errors.Wrapf(err, "check member of room %s", roomID)
}
