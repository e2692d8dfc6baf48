package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProfileFileName is the profile database inside the data directory. It is
// shared by every identity and survives logout.
const ProfileFileName = "profiles.sqlite3"

var profileMigrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS profiles (
	pubkey TEXT PRIMARY KEY,
	metadata TEXT NOT NULL DEFAULT '{}',
	name TEXT,
	about TEXT,
	picture_url TEXT,
	event_created_at INTEGER NOT NULL DEFAULT 0
);
`,
	},
}

// Profile is cached kind-0 metadata of one peer. LastCheckedAt only lives in
// memory and starts at zero after every load.
type Profile struct {
	Pubkey         string
	Name           string
	About          string
	PictureURL     string
	MetadataJSON   string
	EventCreatedAt int64
	LastCheckedAt  int64
}

// DisplayName returns the best human label, or "" when the profile has none.
func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.Name)
}

type ProfileCache struct {
	db *sql.DB
}

func OpenProfileCache(ctx context.Context, path string) (*ProfileCache, error) {
	db, err := openSQLite(ctx, path, profileMigrations)
	if err != nil {
		return nil, err
	}
	return &ProfileCache{db: db}, nil
}

func (c *ProfileCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *ProfileCache) LoadAll(ctx context.Context) (map[string]Profile, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT pubkey, metadata, COALESCE(name, ''), COALESCE(about, ''), COALESCE(picture_url, ''), event_created_at
FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()
	out := make(map[string]Profile)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.Pubkey, &p.MetadataJSON, &p.Name, &p.About, &p.PictureURL, &p.EventCreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[p.Pubkey] = p
	}
	return out, rows.Err()
}

// Save upserts p. A row backed by a newer source event is never replaced by
// an older one.
func (c *ProfileCache) Save(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.Pubkey) == "" {
		return ErrInvalidRecord
	}
	if p.MetadataJSON == "" {
		p.MetadataJSON = "{}"
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO profiles(pubkey, metadata, name, about, picture_url, event_created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(pubkey) DO UPDATE SET
	metadata=excluded.metadata,
	name=excluded.name,
	about=excluded.about,
	picture_url=excluded.picture_url,
	event_created_at=excluded.event_created_at
WHERE excluded.event_created_at >= profiles.event_created_at
`, p.Pubkey, p.MetadataJSON, nullIfEmpty(p.Name), nullIfEmpty(p.About), nullIfEmpty(p.PictureURL), p.EventCreatedAt)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (c *ProfileCache) LoadMetadataJSON(ctx context.Context, pubkey string) (string, bool, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT metadata FROM profiles WHERE pubkey = ?`, pubkey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load profile metadata: %w", err)
	}
	return raw, true, nil
}

func (c *ProfileCache) ClearAll(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM profiles`); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}
	return nil
}

// ProfileFromMetadata builds a Profile from kind-0 event content.
func ProfileFromMetadata(pubkey, content string, createdAt int64) (Profile, error) {
	var meta struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
	}
	if err := json.Unmarshal([]byte(content), &meta); err != nil {
		return Profile{}, fmt.Errorf("%w: profile metadata: %v", ErrInvalidRecord, err)
	}
	name := strings.TrimSpace(meta.DisplayName)
	if name == "" {
		name = strings.TrimSpace(meta.Name)
	}
	return Profile{
		Pubkey:         pubkey,
		Name:           name,
		About:          meta.About,
		PictureURL:     meta.Picture,
		MetadataJSON:   content,
		EventCreatedAt: createdAt,
	}, nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
