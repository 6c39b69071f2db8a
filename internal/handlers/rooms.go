package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/middleware"
	"github.com/studyhub/peercall/internal/models"
	"github.com/studyhub/peercall/internal/redis"
)

const defaultMaxMembers = 8

// CreateRoom creates a new room (requires authentication)
func CreateRoom(rooms RoomStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.MaxMembers == 0 {
			req.MaxMembers = defaultMaxMembers
		}

		room := &models.RoomMetadata{
			ID:         uuid.New().String(),
			Code:       redis.GenerateRoomCode(),
			Name:       req.Name,
			CreatorID:  userID,
			CreatedAt:  time.Now().UTC(),
			MaxMembers: req.MaxMembers,
		}
		if err := rooms.CreateRoom(c.Request.Context(), room); err != nil {
			log.Errorf("failed to store room: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
			return
		}

		log.Infof("room created: %s (code: %s) by user %s", room.ID, room.Code, userID)
		c.JSON(http.StatusCreated, models.CreateRoomResponse{
			RoomID: room.ID,
			Code:   room.Code,
		})
	}
}

// GetRoom gets room information by code or ID (public)
func GetRoom(rooms RoomStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Errorf("get room: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom deletes a room (requires authentication and creator)
func DeleteRoom(rooms RoomStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		room, err := rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Errorf("get room: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}

		if room.CreatorID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
			return
		}

		if err := rooms.DeleteRoom(c.Request.Context(), room); err != nil {
			log.Errorf("delete room %s: %v", room.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
			return
		}

		log.Infof("room deleted: %s by user %s", room.ID, userID)
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}
