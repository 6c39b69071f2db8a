package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

// CreateUser stores u. Usernames are unique.
func (d *DB) CreateUser(u *models.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO users (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt.UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
		return ErrUsernameTaken
	}
	return errors.Wrap(err, "insert user")
}

// GetUserByUsername returns ErrNotFound for unknown usernames.
func (d *DB) GetUserByUsername(username string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u models.User
	var created int64
	err := d.db.QueryRow(`
		SELECT id, username, display_name, password_hash, created_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query user")
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, nil
}
