// Package handlers implements the relay's HTTP and websocket endpoints.
package handlers

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
	"github.com/studyhub/peercall/internal/redis"
)

var log = logging.Logger("handlers")

// RoomStore holds metadata of user-created rooms.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *models.RoomMetadata) error
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room *models.RoomMetadata) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// RecordStore persists room records for history.
type RecordStore interface {
	InsertRecord(rec *models.Record) error
	RecordsBefore(roomID string, cursor int64, limit int) ([]models.Record, int64, error)
}

// NotificationStore holds per-user notifications.
type NotificationStore interface {
	CreateNotification(n *models.Notification) error
	ListNotifications(userID string, limit int) ([]models.Notification, int, error)
	MarkNotificationRead(id, userID string) error
}

// UserStore holds registered accounts.
type UserStore interface {
	CreateUser(u *models.User) error
	GetUserByUsername(username string) (*models.User, error)
}

// accessError carries the HTTP status a denied room access maps to.
type accessError struct {
	status int
	msg    string
}

func (e *accessError) Error() string { return e.msg }

// statusOf returns the HTTP status for an error from resolveRoom.
func statusOf(err error) int {
	var ae *accessError
	if errors.As(err, &ae) {
		return ae.status
	}
	return http.StatusInternalServerError
}

// resolveRoom checks that userID may use the room named by identifier and
// returns the canonical room id. The lobby is open to everyone, direct rooms
// to their two members, and any other room must exist. When joining, a full
// room is refused to anyone not already connected to it.
func resolveRoom(ctx context.Context, rooms RoomStore, identifier, userID string, joining bool) (string, error) {
	switch {
	case identifier == "":
		return "", &accessError{http.StatusBadRequest, "roomId is required"}
	case identifier == models.LobbyRoomID:
		return identifier, nil
	case models.IsDirectRoom(identifier):
		if !models.IsDirectRoomMember(identifier, userID) {
			return "", &accessError{http.StatusForbidden, "Not a member of this conversation"}
		}
		return identifier, nil
	}

	room, err := rooms.GetRoom(ctx, identifier)
	if errors.Is(err, redis.ErrRoomNotFound) {
		return "", &accessError{http.StatusNotFound, "Room not found"}
	}
	if err != nil {
		return "", errors.Wrap(err, "look up room")
	}
	if joining && room.MaxMembers > 0 && room.MemberCount >= room.MaxMembers {
		// a connected member may open another connection
		member, err := rooms.IsMember(ctx, room.ID, userID)
		if err != nil {
			return "", errors.Wrap(err, "check membership")
		}
		if !member {
			return "", &accessError{http.StatusForbidden, "Room is full"}
		}
	}
	return room.ID, nil
}
