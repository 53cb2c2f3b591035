package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bookmark is a normalized bookmarked tweet. Identity is (user_id, tweet_id);
// re-syncing upserts by that key and updates in place only when ContentHash
// differs, so rows are never duplicated.
type Bookmark struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	UserID         uuid.UUID  `db:"user_id"         json:"user_id"`
	TweetID        string     `db:"tweet_id"        json:"tweet_id"`
	Text           string     `db:"text"            json:"text"`
	AuthorID       string     `db:"author_id"       json:"author_id"`
	AuthorUsername string     `db:"author_username" json:"author_username"`
	AuthorName     string     `db:"author_name"     json:"author_name"`
	MediaURLs      []string   `db:"media_urls"      json:"media_urls,omitempty"`
	URLs           []string   `db:"urls"            json:"urls,omitempty"`
	Hashtags       []string   `db:"hashtags"        json:"hashtags,omitempty"`
	Mentions       []string   `db:"mentions"        json:"mentions,omitempty"`
	TweetedAt      *time.Time `db:"tweeted_at"      json:"tweeted_at,omitempty"`
	ContentHash    string     `db:"content_hash"    json:"-"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// ComputeContentHash derives the change-detection hash from the fields a
// provider edit can touch. Must be called after the extraction fields are set.
func (b *Bookmark) ComputeContentHash() string {
	h := sha256.New()
	h.Write([]byte(b.Text))
	h.Write([]byte(b.AuthorUsername))
	h.Write([]byte(strings.Join(b.MediaURLs, ",")))
	h.Write([]byte(strings.Join(b.URLs, ",")))
	h.Write([]byte(strings.Join(b.Hashtags, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
