// Package timeline talks to the upstream timeline API. It returns raw post
// payloads; nothing outside this package depends on the upstream schema
// beyond the item id and author id.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

const (
	clientTimeout   = 20 * time.Second
	maxResponseSize = 10 << 20

	// The home timeline endpoint allows 180 requests per 15 minutes.
	requestEvery = 5 * time.Second

	timelinePath = "/2/users/me/timelines/reverse_chronological"
)

// Item is one post as delivered by the upstream API. Payload is the post's
// JSON document with the author and media expansion objects folded in, so it
// is self-contained downstream.
type Item struct {
	ID       int64
	AuthorID string
	Payload  []byte
}

// Client fetches the page of posts strictly after the given position.
// A sinceID of 0 means "from the beginning of the available window".
type Client interface {
	FetchSince(ctx context.Context, sinceID int64) ([]Item, error)
}

type HTTPClient struct {
	baseURL  string
	token    string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewHTTPClient(baseURL string, token string, pageSize int, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		token:    token,
		pageSize: pageSize,
		client:   &http.Client{Timeout: clientTimeout},
		limiter:  rate.NewLimiter(rate.Every(requestEvery), 1),
		log:      log,
	}
}

func (c *HTTPClient) FetchSince(ctx context.Context, sinceID int64) ([]Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req, err := c.buildRequest(ctx, sinceID)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("execute request: %w", err)}
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			c.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"sinceID", sinceID)
		}
	}()

	if err = classifyStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response body: %w", err)}
	}

	items, err := decodePage(body)
	if err != nil {
		return nil, err
	}

	return items, nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, sinceID int64) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + timelinePath)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}

	q := u.Query()
	q.Set("max_results", strconv.Itoa(c.pageSize))
	q.Set("tweet.fields", "created_at,entities,referenced_tweets,in_reply_to_user_id")
	q.Set("expansions", "author_id,attachments.media_keys,referenced_tweets.id,referenced_tweets.id.author_id")
	q.Set("user.fields", "name,username,profile_image_url")
	q.Set("media.fields", "url,preview_image_url,type,variants,alt_text")
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// classifyStatus maps the response status onto the error taxonomy.
// 401/403 mean revoked or invalid credentials and stop the poller for good;
// everything else that is not a 200 is worth retrying.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Err: fmt.Errorf("upstream rejected credentials with status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Err:        errors.New("upstream rate limit hit"),
			RetryAfter: retryAfter(resp),
		}
	default:
		return &TransientError{Err: fmt.Errorf("unexpected upstream status %d", resp.StatusCode)}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("x-rate-limit-reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(reset, 0)); d > 0 {
				return d
			}
		}
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 0
}

// decodePage splits the page body into items and folds each post's expansion
// objects (author, media) into its payload.
func decodePage(body []byte) ([]Item, error) {
	if !gjson.ValidBytes(body) {
		return nil, &TransientError{Err: errors.New("upstream returned malformed JSON")}
	}

	root := gjson.ParseBytes(body)

	users := make(map[string]string)
	for _, u := range root.Get("includes.users").Array() {
		users[u.Get("id").String()] = u.Raw
	}

	media := make(map[string]string)
	for _, m := range root.Get("includes.media").Array() {
		media[m.Get("media_key").String()] = m.Raw
	}

	tweets := make(map[string]string)
	for _, t := range root.Get("includes.tweets").Array() {
		tweets[t.Get("id").String()] = t.Raw
	}

	var items []Item
	for _, post := range root.Get("data").Array() {
		id, err := strconv.ParseInt(post.Get("id").String(), 10, 64)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("parse post id %q: %w", post.Get("id").String(), err)}
		}

		authorID := post.Get("author_id").String()
		if authorID == "" {
			return nil, &TransientError{Err: fmt.Errorf("post %d has no author id", id)}
		}

		payload, err := flattenPayload(post, users, media, tweets)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("flatten payload of post %d: %w", id, err)}
		}

		items = append(items, Item{
			ID:       id,
			AuthorID: authorID,
			Payload:  payload,
		})
	}

	return items, nil
}

func flattenPayload(
	post gjson.Result,
	users map[string]string,
	media map[string]string,
	tweets map[string]string,
) ([]byte, error) {
	payload, err := foldAuthor([]byte(post.Raw), post, users)
	if err != nil {
		return nil, err
	}

	var attached []string
	for _, key := range post.Get("attachments.media_keys").Array() {
		if mediaRaw, ok := media[key.String()]; ok {
			attached = append(attached, mediaRaw)
		}
	}

	for i, mediaRaw := range attached {
		payload, err = sjson.SetRawBytes(payload, "media."+strconv.Itoa(i), []byte(mediaRaw))
		if err != nil {
			return nil, fmt.Errorf("set media: %w", err)
		}
	}

	// Referenced tweets (retweets, quotes, reply targets) are folded in under
	// their reference type so the renderer can recurse without another fetch.
	for _, ref := range post.Get("referenced_tweets").Array() {
		refType := ref.Get("type").String()
		refRaw, ok := tweets[ref.Get("id").String()]
		if !ok || refType == "" {
			continue
		}

		refTweet := gjson.Parse(refRaw)
		refPayload, foldErr := foldAuthor([]byte(refRaw), refTweet, users)
		if foldErr != nil {
			return nil, foldErr
		}

		payload, err = sjson.SetRawBytes(payload, "referenced."+refType, refPayload)
		if err != nil {
			return nil, fmt.Errorf("set referenced %s: %w", refType, err)
		}
	}

	return payload, nil
}

func foldAuthor(payload []byte, post gjson.Result, users map[string]string) ([]byte, error) {
	userRaw, ok := users[post.Get("author_id").String()]
	if !ok {
		return payload, nil
	}

	payload, err := sjson.SetRawBytes(payload, "author", []byte(userRaw))
	if err != nil {
		return nil, fmt.Errorf("set author: %w", err)
	}

	return payload, nil
}
