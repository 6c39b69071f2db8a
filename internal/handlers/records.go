package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/bus"
	"github.com/studyhub/peercall/internal/middleware"
	"github.com/studyhub/peercall/internal/models"
)

// historyPageSize is the smallest page read while collecting visible history.
const historyPageSize = 50

const maxHistoryLimit = 500

// Appender stores records, publishes them to the room's subscribers and
// notifies the other member of a direct room about visible ones.
type Appender struct {
	records       RecordStore
	notifications NotificationStore
	bus           bus.Bus
}

func NewAppender(records RecordStore, notifications NotificationStore, b bus.Bus) *Appender {
	return &Appender{records: records, notifications: notifications, bus: b}
}

// Append stamps rec, stores it and publishes it. A record that could not be
// stored is not published. Notification failures are logged, not returned.
func (a *Appender) Append(ctx context.Context, rec *models.Record) error {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	if err := a.records.InsertRecord(rec); err != nil {
		return errors.Wrap(err, "persist record")
	}
	if err := a.bus.Append(ctx, rec); err != nil {
		return errors.Wrap(err, "publish record")
	}

	if models.IsSignalBody(rec.Body) {
		return nil
	}
	if peer, ok := models.DirectRoomPeer(rec.RoomID, rec.UserID); ok {
		if err := a.notify(ctx, peer, rec); err != nil {
			log.Warnf("notify %s about record %s: %v", peer, rec.ID, err)
		}
	}
	return nil
}

// notify stores a notification for userID and pushes it on the user's
// notification stream.
func (a *Appender) notify(ctx context.Context, userID string, rec *models.Record) error {
	sender := rec.Username
	if sender == "" {
		sender = "someone"
	}
	n := &models.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Message:   "New message from " + sender,
		Type:      models.NotificationInfo,
		CreatedAt: rec.CreatedAt,
	}
	if err := a.notifications.CreateNotification(n); err != nil {
		return errors.Wrap(err, "persist notification")
	}

	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return errors.Wrap(a.bus.Append(ctx, &models.Record{
		RoomID:    models.NotificationRoomID(userID),
		Body:      string(data),
		UserID:    rec.UserID,
		Username:  rec.Username,
		CreatedAt: n.CreatedAt,
	}), "publish notification")
}

// AppendRecord appends a record to a room as the authenticated user
func AppendRecord(app *Appender, rooms RoomStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		roomID, err := resolveRoom(c.Request.Context(), rooms, c.Param("roomId"), userID, false)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}

		var req models.AppendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec := &models.Record{
			RoomID:   roomID,
			Body:     req.Body,
			UserID:   userID,
			Username: c.GetString(middleware.UserNameKey),
			FileID:   req.FileID,
			FileName: req.FileName,
		}
		if err := app.Append(c.Request.Context(), rec); err != nil {
			log.Errorf("append to room %s: %v", roomID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to append record"})
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// ListMessages returns the latest user-visible messages of a room, oldest
// first. Call-control records never appear in the list.
func ListMessages(records RecordStore, rooms RoomStore, defaultLimit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		roomID, err := resolveRoom(c.Request.Context(), rooms, c.Param("roomId"), userID, false)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}

		limit := defaultLimit
		if limit <= 0 {
			limit = historyPageSize
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		visible, err := latestVisible(records, roomID, limit)
		if err != nil {
			log.Errorf("list records of room %s: %v", roomID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"roomId":   roomID,
			"messages": visible,
		})
	}
}

// latestVisible walks a room's history backwards a page at a time until it
// has collected limit visible records, and returns them oldest first.
func latestVisible(records RecordStore, roomID string, limit int) ([]models.Record, error) {
	pageSize := limit * 2
	if pageSize < historyPageSize {
		pageSize = historyPageSize
	}

	var (
		newest []models.Record
		cursor int64
	)
	for len(newest) < limit {
		page, next, err := records.RecordsBefore(roomID, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if models.IsSignalBody(rec.Body) {
				continue
			}
			newest = append(newest, rec)
			if len(newest) == limit {
				break
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	out := make([]models.Record, len(newest))
	for i, rec := range newest {
		out[len(newest)-1-i] = rec
	}
	return out, nil
}
