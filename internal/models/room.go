package models

import (
	"sort"
	"strings"
	"time"
)

// LobbyRoomID is the shared room every authenticated user may join.
const LobbyRoomID = "lobby"

const directRoomPrefix = "dm_"

// RoomMetadata stores information about a chat room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"` // Short, shareable room code (e.g., "ABCD12")
	Name        string    `json:"name"`
	CreatorID   string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt   time.Time `json:"createdAt"`
	MaxMembers  int       `json:"maxMembers"`
	MemberCount int       `json:"memberCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name       string `json:"name"`
	MaxMembers int    `json:"maxMembers" binding:"omitempty,min=2,max=64"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// DirectRoomID returns the room shared by exactly two users. The ids are
// sorted so both sides derive the same room.
func DirectRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return directRoomPrefix + strings.Join(ids, "_")
}

// IsDirectRoom reports whether roomID names a one-to-one room.
func IsDirectRoom(roomID string) bool {
	return strings.HasPrefix(roomID, directRoomPrefix)
}

// IsDirectRoomMember reports whether userID is one of the two members of a
// direct room.
func IsDirectRoomMember(roomID, userID string) bool {
	if !IsDirectRoom(roomID) || userID == "" {
		return false
	}
	rest := strings.TrimPrefix(roomID, directRoomPrefix)
	return strings.HasPrefix(rest, userID+"_") || strings.HasSuffix(rest, "_"+userID)
}

// DirectRoomPeer returns the member of a direct room other than userID.
func DirectRoomPeer(roomID, userID string) (string, bool) {
	if !IsDirectRoomMember(roomID, userID) {
		return "", false
	}
	rest := strings.TrimPrefix(roomID, directRoomPrefix)
	if peer := strings.TrimPrefix(rest, userID+"_"); peer != rest {
		return peer, peer != ""
	}
	peer := strings.TrimSuffix(rest, "_"+userID)
	return peer, peer != ""
}
