package syncer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformPage_Extraction(t *testing.T) {
	userID := uuid.New()
	tweetedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	page := &twitter.BookmarksPage{
		Data: []twitter.Tweet{{
			ID:        "t1",
			Text:      "check this out #golang",
			AuthorID:  "u1",
			CreatedAt: &tweetedAt,
			Attachments: &twitter.Attachments{
				MediaKeys: []string{"m1", "m2", "missing"},
			},
			Entities: &twitter.Entities{
				URLs:     []twitter.URLEntity{{URL: "https://t.co/x", ExpandedURL: "https://example.com/post"}},
				Hashtags: []twitter.TagEntity{{Tag: "golang"}},
				Mentions: []twitter.MentionEntity{{Username: "gopher"}},
			},
		}},
		Includes: twitter.Includes{
			Users: []twitter.TweetUser{{ID: "u1", Name: "Jane Doe", Username: "jane"}},
			Media: []twitter.Media{
				{MediaKey: "m1", Type: "photo", URL: "https://img.example/1.jpg"},
				{MediaKey: "m2", Type: "video", PreviewImageURL: "https://img.example/2-preview.jpg"},
			},
		},
	}

	bookmarks, errs := transformPage(userID, page)
	require.Empty(t, errs)
	require.Len(t, bookmarks, 1)

	b := bookmarks[0]
	assert.Equal(t, userID, b.UserID)
	assert.Equal(t, "t1", b.TweetID)
	assert.Equal(t, "jane", b.AuthorUsername)
	assert.Equal(t, "Jane Doe", b.AuthorName)
	assert.Equal(t, []string{"https://img.example/1.jpg", "https://img.example/2-preview.jpg"}, b.MediaURLs)
	assert.Equal(t, []string{"https://example.com/post"}, b.URLs)
	assert.Equal(t, []string{"golang"}, b.Hashtags)
	assert.Equal(t, []string{"gopher"}, b.Mentions)
	require.NotNil(t, b.TweetedAt)
	assert.Equal(t, tweetedAt, *b.TweetedAt)
	assert.NotEmpty(t, b.ContentHash)
}

func TestTransformPage_UnresolvableAuthorCounted(t *testing.T) {
	userID := uuid.New()
	page := &twitter.BookmarksPage{
		Data: []twitter.Tweet{
			{ID: "t1", Text: "ok", AuthorID: "u1"},
			{ID: "t2", Text: "orphan", AuthorID: "ghost"},
		},
		Includes: twitter.Includes{
			Users: []twitter.TweetUser{{ID: "u1", Username: "jane", Name: "Jane"}},
		},
	}

	bookmarks, errs := transformPage(userID, page)
	assert.Len(t, bookmarks, 1)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "t2")
	assert.Contains(t, errs[0], "ghost")
}

func TestTransformPage_HashChangesWithContent(t *testing.T) {
	userID := uuid.New()
	page := func(text string) *twitter.BookmarksPage {
		return &twitter.BookmarksPage{
			Data:     []twitter.Tweet{{ID: "t1", Text: text, AuthorID: "u1"}},
			Includes: twitter.Includes{Users: []twitter.TweetUser{{ID: "u1", Username: "jane"}}},
		}
	}

	a, _ := transformPage(userID, page("original"))
	b, _ := transformPage(userID, page("original"))
	c, _ := transformPage(userID, page("edited"))

	assert.Equal(t, a[0].ContentHash, b[0].ContentHash)
	assert.NotEqual(t, a[0].ContentHash, c[0].ContentHash)
}
