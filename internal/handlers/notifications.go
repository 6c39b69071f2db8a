package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/middleware"
	"github.com/studyhub/peercall/internal/models"
	"github.com/studyhub/peercall/internal/storage"
)

const notificationListLimit = 10

// ListNotifications returns the caller's latest notifications, newest first,
// with the number of unread ones.
func ListNotifications(notifications NotificationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		list, unread, err := notifications.ListNotifications(userID, notificationListLimit)
		if err != nil {
			log.Errorf("list notifications of %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notifications"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"notifications": list,
			"unreadCount":   unread,
		})
	}
}

// MarkNotificationRead flags one of the caller's notifications as read.
func MarkNotificationRead(notifications NotificationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		err := notifications.MarkNotificationRead(c.Param("id"), userID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		case err != nil:
			log.Errorf("mark notification %s read: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notification"})
		default:
			c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "isRead": true})
		}
	}
}

// HandleNotifications upgrades to a websocket that pushes the caller's new
// notifications as JSON. Frames sent by the client are ignored.
func (h *Hub) HandleNotifications(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:      h,
		roomID:   models.NotificationRoomID(userID),
		userID:   userID,
		readOnly: true,
		conn:     conn,
		send:     make(chan []byte, clientSendSize),
	}
	if err := h.join(client); err != nil {
		log.Errorf("join notifications of %s: %v", userID, err)
		conn.Close()
		return
	}
	log.Debugf("user %s listening for notifications", userID)

	go client.writePump()
	go client.readPump()
}
