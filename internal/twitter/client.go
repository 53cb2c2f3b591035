package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the interface for the Twitter bookmarks API. One client instance
// exists per credential; its rate-limit state is shared by every job using
// that credential.
type Client interface {
	Bookmarks(ctx context.Context, params BookmarksParams) (*BookmarksPage, error)
	RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error)
	RateLimit() RateLimitSnapshot
	QuotaHealthy() bool
}

// HTTPClient implements Client using the Twitter v2 HTTP API.
type HTTPClient struct {
	baseURL       string
	clientID      string
	clientSecret  string
	twitterUserID string
	buffer        int
	client        *http.Client
	rate          *RateLimitState

	mu          sync.Mutex
	accessToken string
}

// NewHTTPClient creates a new Twitter HTTP client bound to one user's
// credential. rateLimitBuffer is the number of calls held in reserve before
// the client sleeps until the quota window resets.
func NewHTTPClient(baseURL, clientID, clientSecret, twitterUserID, accessToken string, timeout time.Duration, rateLimitBuffer int) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		clientID:      clientID,
		clientSecret:  clientSecret,
		twitterUserID: twitterUserID,
		accessToken:   accessToken,
		buffer:        rateLimitBuffer,
		client:        &http.Client{Timeout: timeout},
		rate:          NewRateLimitState(),
	}
}

// Bookmarks fetches one page of the user's bookmarks. It waits out an
// exhausted quota window before calling and records the quota headers from
// every response, success or error.
func (c *HTTPClient) Bookmarks(ctx context.Context, params BookmarksParams) (*BookmarksPage, error) {
	if err := c.rate.Wait(ctx, c.buffer); err != nil {
		return nil, err
	}

	q := url.Values{
		"tweet.fields": {"id,text,author_id,created_at,attachments,entities"},
		"expansions":   {"author_id,attachments.media_keys"},
		"media.fields": {"media_key,type,url,preview_image_url"},
		"user.fields":  {"id,name,username"},
	}
	if params.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(params.MaxResults))
	}
	if params.PaginationToken != "" {
		q.Set("pagination_token", params.PaginationToken)
	}

	u := fmt.Sprintf("%s/2/users/%s/bookmarks?%s", c.baseURL, url.PathEscape(c.twitterUserID), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	c.rate.UpdateFromHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var page BookmarksPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding bookmarks response: %w", err)
	}
	return &page, nil
}

// RefreshCredential exchanges a refresh token for a new credential pair and
// atomically swaps the client's active access token on success.
func (c *HTTPClient) RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}

	u := c.baseURL + "/2/oauth2/token"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: refresh rejected with status %d", ErrAuthExpired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	cred := &Credential{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.accessToken = cred.AccessToken
	c.mu.Unlock()

	return cred, nil
}

// RateLimit returns a copy of the current quota state.
func (c *HTTPClient) RateLimit() RateLimitSnapshot {
	return c.rate.Snapshot()
}

// QuotaHealthy reports whether more than half the quota window remains.
func (c *HTTPClient) QuotaHealthy() bool {
	return c.rate.Healthy()
}

func (c *HTTPClient) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// errorFromResponse maps a non-200 response to the typed error surface.
func (c *HTTPClient) errorFromResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	}

	detail := readErrorDetail(resp.Body)
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}

// retryAfter extracts the wait hint from a 429: Retry-After seconds first,
// then the reset header, then a one-minute fallback.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("x-rate-limit-reset"); v != "" {
		if resetUnix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(resetUnix, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}

func readErrorDetail(body io.Reader) string {
	var apiBody struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &apiBody) == nil && apiBody.Detail != "" {
		return apiBody.Detail
	}
	if apiBody.Title != "" {
		return apiBody.Title
	}
	return strings.TrimSpace(string(raw))
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
