package store

import (
	"database/sql"
	"time"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// UpsertProfile inserts or updates a user profile.
func (db *DB) UpsertProfile(p *model.Profile) error {
	_, err := db.Exec(`
		INSERT INTO profiles (id, name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.AvatarURL, time.Now().UnixMilli())
	return err
}

// GetProfile returns a profile by user id, nil when absent.
func (db *DB) GetProfile(id string) (*model.Profile, error) {
	row := db.QueryRow(`SELECT id, name, avatar_url FROM profiles WHERE id = ?`, id)
	var p model.Profile
	err := row.Scan(&p.ID, &p.Name, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
