package pixiv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Client wraps the authorized session with the typed listing endpoints.
// Pagination follows the upstream contract: each page carries a complete
// continuation URL in next_url, absent on the last page.
type Client struct {
	session *Session
	baseURL string
}

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithAPIURL overrides the API host, mainly for tests.
func WithAPIURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a Client on top of an authorized session.
func NewClient(session *Session, opts ...ClientOption) *Client {
	c := &Client{session: session, baseURL: DefaultAPIURL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// get fetches target (or the continuation URL when nextURL is set) and
// decodes the JSON payload into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, nextURL string, out any) error {
	target := c.baseURL + path
	if nextURL != "" {
		target = nextURL
		query = nil
	}

	resp, err := c.session.Do(ctx, http.MethodGet, target, query)
	if err != nil {
		return err
	}
	defer closeBody(resp, c.session.logger)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(err, "client.get: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, URL: target, Body: snippet(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "client.get: decode "+target)
	}
	return nil
}

// UserBookmarks lists the user's bookmarked illusts, newest-added first.
// Pass the previous page's NextURL to continue; empty starts from the top.
func (c *Client) UserBookmarks(ctx context.Context, userID int64, restrict, nextURL string) (*IllustPage, error) {
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(userID, 10))
	query.Set("restrict", restrict)

	var page IllustPage
	if err := c.get(ctx, "/v1/user/bookmarks/illust", query, nextURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UserFollowing lists the authors the user follows.
func (c *Client) UserFollowing(ctx context.Context, userID int64, restrict, nextURL string) (*FollowPage, error) {
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(userID, 10))
	query.Set("restrict", restrict)

	var page FollowPage
	if err := c.get(ctx, "/v1/user/following", query, nextURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UserIllusts lists an author's works, newest first.
func (c *Client) UserIllusts(ctx context.Context, userID int64, nextURL string) (*IllustPage, error) {
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(userID, 10))
	query.Set("type", "illust")

	var page IllustPage
	if err := c.get(ctx, "/v1/user/illusts", query, nextURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UgoiraMetadata fetches the frame list and archive URL of an animated work.
func (c *Client) UgoiraMetadata(ctx context.Context, illustID int64) (*UgoiraMetadata, error) {
	query := url.Values{}
	query.Set("illust_id", strconv.FormatInt(illustID, 10))

	var payload struct {
		UgoiraMetadata UgoiraMetadata `json:"ugoira_metadata"`
	}
	if err := c.get(ctx, "/v1/ugoira/metadata", query, "", &payload); err != nil {
		return nil, err
	}
	return &payload.UgoiraMetadata, nil
}

// UserDetail fetches the profile of a user; used by connectivity tests.
func (c *Client) UserDetail(ctx context.Context, userID int64) (*UserDetail, error) {
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(userID, 10))

	var detail UserDetail
	if err := c.get(ctx, "/v1/user/detail", query, "", &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}
