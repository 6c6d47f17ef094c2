// Package source holds the clients for the gallery's two upstream
// boundaries: the content source (paged feed items and stats) and the
// mutation endpoints (likes, views, comments). Both must tolerate total
// upstream unavailability; callers degrade to local state on error.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aimagica-server/internal/types"
)

// mutationTimeout bounds every stat/mutation call. Media loads have their
// own longer budget inside the media manager.
const mutationTimeout = 5 * time.Second

// ContentSource returns paged feed items and per-item statistics.
type ContentSource interface {
	FetchPage(ctx context.Context, page, pageSize int) (types.Page, error)
	FetchItem(ctx context.Context, id string) (*types.FeedItem, error)
	FetchStats(ctx context.Context, ids []string) (map[string]types.StatBlock, error)
}

// Mutator sends user interactions upstream and returns authoritative
// counters.
type Mutator interface {
	ToggleLike(ctx context.Context, itemID string) (types.LikeResult, error)
	IncrementView(ctx context.Context, itemID string) error
	PostComment(ctx context.Context, itemID, author, body string) (*types.Comment, error)
	ToggleCommentLike(ctx context.Context, commentID string) (types.LikeResult, error)
}

// Client implements both interfaces over the hosted gallery's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: mutationTimeout},
	}
}

func (c *Client) FetchPage(ctx context.Context, page, pageSize int) (types.Page, error) {
	var result types.Page
	q := url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}
	if err := c.getJSON(ctx, "/api/gallery?"+q.Encode(), &result); err != nil {
		return result, err
	}
	// Unknown hints from upstream fall back to medium so the layout engine
	// always has a provisional height.
	for i := range result.Items {
		if !types.ValidSizeHint(result.Items[i].SizeHint) {
			result.Items[i].SizeHint = types.SizeMedium
		}
	}
	return result, nil
}

func (c *Client) FetchItem(ctx context.Context, id string) (*types.FeedItem, error) {
	var item types.FeedItem
	if err := c.getJSON(ctx, "/api/gallery/"+url.PathEscape(id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) FetchStats(ctx context.Context, ids []string) (map[string]types.StatBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	result := make(map[string]types.StatBlock)
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	err := c.getJSON(ctx, "/api/gallery/stats?"+q.Encode(), &result)
	return result, err
}

func (c *Client) ToggleLike(ctx context.Context, itemID string) (types.LikeResult, error) {
	var result types.LikeResult
	err := c.postJSON(ctx, "/api/gallery/"+url.PathEscape(itemID)+"/like", nil, &result)
	return result, err
}

func (c *Client) IncrementView(ctx context.Context, itemID string) error {
	return c.postJSON(ctx, "/api/gallery/"+url.PathEscape(itemID)+"/view", nil, nil)
}

func (c *Client) PostComment(ctx context.Context, itemID, author, body string) (*types.Comment, error) {
	payload := map[string]string{"author": author, "body": body}
	var created types.Comment
	err := c.postJSON(ctx, "/api/gallery/"+url.PathEscape(itemID)+"/comments", payload, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) ToggleCommentLike(ctx context.Context, commentID string) (types.LikeResult, error) {
	var result types.LikeResult
	err := c.postJSON(ctx, "/api/comments/"+url.PathEscape(commentID)+"/like", nil, &result)
	return result, err
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream status %d for %s", resp.StatusCode, req.URL.Path)
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
