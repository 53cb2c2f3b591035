package syncer

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/pinhawk/pinhawk/pkg/models"
)

// transformPage flattens one fetched page into normalized bookmarks using the
// page's included author and media side-tables. Tweets whose author cannot be
// resolved are skipped and reported, never silently dropped.
func transformPage(userID uuid.UUID, page *twitter.BookmarksPage) ([]*models.Bookmark, []string) {
	authors := make(map[string]twitter.TweetUser, len(page.Includes.Users))
	for _, u := range page.Includes.Users {
		authors[u.ID] = u
	}
	media := make(map[string]twitter.Media, len(page.Includes.Media))
	for _, m := range page.Includes.Media {
		media[m.MediaKey] = m
	}

	bookmarks := make([]*models.Bookmark, 0, len(page.Data))
	var errs []string
	for _, tweet := range page.Data {
		author, ok := authors[tweet.AuthorID]
		if !ok {
			errs = append(errs, fmt.Sprintf("tweet %s: author %s not in includes", tweet.ID, tweet.AuthorID))
			continue
		}

		b := &models.Bookmark{
			ID:             uuid.New(),
			UserID:         userID,
			TweetID:        tweet.ID,
			Text:           tweet.Text,
			AuthorID:       author.ID,
			AuthorUsername: author.Username,
			AuthorName:     author.Name,
			TweetedAt:      tweet.CreatedAt,
		}

		if tweet.Attachments != nil {
			for _, key := range tweet.Attachments.MediaKeys {
				m, ok := media[key]
				if !ok {
					continue
				}
				if m.URL != "" {
					b.MediaURLs = append(b.MediaURLs, m.URL)
				} else if m.PreviewImageURL != "" {
					b.MediaURLs = append(b.MediaURLs, m.PreviewImageURL)
				}
			}
		}
		if tweet.Entities != nil {
			for _, u := range tweet.Entities.URLs {
				if u.ExpandedURL != "" {
					b.URLs = append(b.URLs, u.ExpandedURL)
				} else if u.URL != "" {
					b.URLs = append(b.URLs, u.URL)
				}
			}
			for _, h := range tweet.Entities.Hashtags {
				b.Hashtags = append(b.Hashtags, h.Tag)
			}
			for _, m := range tweet.Entities.Mentions {
				b.Mentions = append(b.Mentions, m.Username)
			}
		}

		b.ContentHash = b.ComputeContentHash()
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, errs
}
