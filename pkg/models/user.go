package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account whose bookmarks are synchronized. Every job,
// bookmark, and API key belongs to a user. The Twitter OAuth2 credential pair
// is stored here; only the worker's token-check phase reads or rotates it.
type User struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	Username       string     `db:"username"         json:"username"`
	TwitterUserID  string     `db:"twitter_user_id"  json:"twitter_user_id"`
	AccessToken    string     `db:"access_token"     json:"-"`
	RefreshToken   string     `db:"refresh_token"    json:"-"`
	TokenExpiresAt *time.Time `db:"token_expires_at" json:"-"`
	LastSyncedAt   *time.Time `db:"last_synced_at"   json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// TokenExpired reports whether the access token needs a refresh before use.
func (u *User) TokenExpired(now time.Time) bool {
	return u.TokenExpiresAt != nil && !u.TokenExpiresAt.After(now)
}
