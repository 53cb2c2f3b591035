package twitter

import "time"

// BookmarksParams defines parameters for one page of the bookmarks timeline.
type BookmarksParams struct {
	PaginationToken string
	MaxResults      int
}

// BookmarksPage is one page of the bookmarks endpoint: the tweets themselves
// plus the side-tables needed to resolve authors and media keys.
type BookmarksPage struct {
	Data     []Tweet  `json:"data"`
	Includes Includes `json:"includes"`
	Meta     PageMeta `json:"meta"`
}

type PageMeta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token,omitempty"`
}

type Tweet struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	AuthorID    string       `json:"author_id"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`
	Attachments *Attachments `json:"attachments,omitempty"`
	Entities    *Entities    `json:"entities,omitempty"`
}

type Attachments struct {
	MediaKeys []string `json:"media_keys,omitempty"`
}

type Entities struct {
	URLs     []URLEntity     `json:"urls,omitempty"`
	Hashtags []TagEntity     `json:"hashtags,omitempty"`
	Mentions []MentionEntity `json:"mentions,omitempty"`
}

type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
}

type TagEntity struct {
	Tag string `json:"tag"`
}

type MentionEntity struct {
	Username string `json:"username"`
}

type Includes struct {
	Users []TweetUser `json:"users,omitempty"`
	Media []Media     `json:"media,omitempty"`
}

type TweetUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type Media struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url,omitempty"`
	PreviewImageURL string `json:"preview_image_url,omitempty"`
}

// Credential is the result of a refresh-token exchange.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
