package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

// InsertRecord stores rec. ID and CreatedAt must already be set.
func (d *DB) InsertRecord(rec *models.Record) error {
	if rec.ID == "" || rec.RoomID == "" {
		return errors.New("record needs an id and a room")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO records (id, room_id, body, user_id, username, file_id, file_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RoomID, rec.Body, rec.UserID, rec.Username, rec.FileID, rec.FileName,
		rec.CreatedAt.UnixMilli(),
	)
	return errors.Wrap(err, "insert record")
}

// RecordsBefore returns up to limit records of a room, newest first, that were
// stored before cursor. A zero cursor starts at the newest record. The
// returned cursor continues the walk; it is zero once the room is exhausted.
func (d *DB) RecordsBefore(roomID string, cursor int64, limit int) ([]models.Record, int64, error) {
	if limit <= 0 {
		return nil, 0, errors.New("limit must be positive")
	}
	if cursor <= 0 {
		cursor = 1<<63 - 1
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT seq, id, room_id, body, user_id, username, file_id, file_name, created_at
		FROM records WHERE room_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?`,
		roomID, cursor, limit,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query records")
	}
	defer rows.Close()

	var (
		out  []models.Record
		last int64
	)
	for rows.Next() {
		var rec models.Record
		var created int64
		if err := rows.Scan(&last, &rec.ID, &rec.RoomID, &rec.Body, &rec.UserID, &rec.Username,
			&rec.FileID, &rec.FileName, &created); err != nil {
			return nil, 0, errors.Wrap(err, "scan record")
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate records")
	}
	if len(out) < limit {
		last = 0
	}
	return out, last, nil
}
