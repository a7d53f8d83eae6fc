// Package reddit implements the remote API adapter: OAuth password-grant
// authentication and the bounded listing pulls the probes and harvester
// run on. The client is deliberately small; harvest policy lives above it.
package reddit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// tokenSkew renews the cached token this long before it expires.
const tokenSkew = 60 * time.Second

// maxMoreChildren caps how many pending comment ids one replace-more round
// may request; the remote endpoint rejects longer id lists.
const maxMoreChildren = 100

// Client is one authenticated session bound to an account and an optional
// proxy. It implements domain.RedditClient.
type Client struct {
	acct      domain.Account
	proxy     *domain.Proxy
	hc        *http.Client
	baseURL   string
	tokenURL  string
	userAgent string
	retry     config.BackoffConfig

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	closed atomic.Bool
}

// Probe fetches one item from the cheapest listing. It is the health
// manager's liveness check for an account's credentials and proxy.
func (c *Client) Probe(ctx domain.Context) error {
	_, _, err := c.fetchListing(ctx, domain.ListingQuery{Subreddit: "all", Listing: "new", Limit: 1})
	return err
}

// Fetch runs one bounded pull. The query shape selects the endpoint: a
// post id walks its comment tree (with After set, the morechildren
// continuation), a username walks a timeline surface, the search listing
// runs a query, anything else is a plain subreddit listing.
func (c *Client) Fetch(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	switch {
	case q.PostID != "" && q.After != "":
		return c.fetchMoreChildren(ctx, q)
	case q.PostID != "":
		return c.fetchComments(ctx, q)
	case q.Username != "":
		return c.fetchUserTimeline(ctx, q)
	case q.Listing == "search":
		return c.fetchSearch(ctx, q)
	default:
		return c.fetchListing(ctx, q)
	}
}

// Close is idempotent; it only drops pooled connections. In-flight
// requests are left to their contexts.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.hc.CloseIdleConnections()
	}
	return nil
}

// ensureToken returns a cached bearer token, fetching a fresh one via the
// password grant when missing or near expiry. Transient failures retry
// with exponential backoff; credential failures are permanent.
func (c *Client) ensureToken(ctx domain.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp.Add(-tokenSkew)) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.acct.Username},
		"password":   {c.acct.Password},
	}
	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.acct.ClientID, c.acct.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", c.userAgent)
		resp, err := c.hc.Do(req)
		observability.RecordRequest("token")
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("token status 429 ratelimit: %w", domain.ErrRateLimited))
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(fmt.Errorf("token status 401 unauthorized: %w", domain.ErrAuthDenied))
		case resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("token status 403 forbidden: %w", domain.ErrAuthDenied))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("token status %d: %s", resp.StatusCode, snippet(body)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("token status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		// Credential failures come back inside a 200 body.
		if out.Error != "" {
			return backoff.Permanent(fmt.Errorf("token error %s: %w", out.Error, domain.ErrAuthDenied))
		}
		if out.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("token response missing access_token"))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.tokenBackoff(), ctx)); err != nil {
		return "", fmt.Errorf("op=reddit.token: %w", err)
	}

	c.token = out.AccessToken
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.tokenExp = time.Now().Add(ttl)
	return c.token, nil
}

// tokenBackoff builds the retry schedule for token fetches from the
// factory's tuning.
func (c *Client) tokenBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = c.retry.MaxElapsedTime
	expo.InitialInterval = c.retry.InitialInterval
	expo.MaxInterval = c.retry.MaxInterval
	expo.Multiplier = c.retry.Multiplier
	return expo
}

func (c *Client) getJSON(ctx domain.Context, endpoint, path string, params url.Values, dst any) error {
	if c.closed.Load() {
		return fmt.Errorf("op=reddit.%s: client closed", endpoint)
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("op=reddit.%s: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.hc.Do(req)
	observability.RecordRequest(endpoint)
	if err != nil {
		return fmt.Errorf("op=reddit.%s: %w: %v", endpoint, domain.ErrTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("op=reddit.%s: %w: %v", endpoint, domain.ErrTransientNetwork, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=reddit.%s: status 429 ratelimit: %w", endpoint, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("op=reddit.%s: status 401 unauthorized: %w", endpoint, domain.ErrAuthDenied)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("op=reddit.%s: status 403 forbidden: %w", endpoint, domain.ErrAuthDenied)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("op=reddit.%s: status %d: %s", endpoint, resp.StatusCode, snippet(body))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("op=reddit.%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *Client) fetchListing(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	sub := q.Subreddit
	if sub == "" {
		sub = "all"
	}
	listing := q.Listing
	if listing == "" {
		listing = "new"
	}
	params := baseParams(q)
	if q.TimeFilter != "" {
		params.Set("t", q.TimeFilter)
	}
	var env listingEnvelope
	if err := c.getJSON(ctx, "listing", fmt.Sprintf("/r/%s/%s", sub, listing), params, &env); err != nil {
		return nil, "", err
	}
	return env.items(), env.Data.After, nil
}

func (c *Client) fetchSearch(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	sub := q.Subreddit
	if sub == "" {
		sub = "all"
	}
	params := baseParams(q)
	params.Set("q", q.Query)
	params.Set("restrict_sr", "1")
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.TimeFilter != "" {
		params.Set("t", q.TimeFilter)
	}
	var env listingEnvelope
	if err := c.getJSON(ctx, "search", fmt.Sprintf("/r/%s/search", sub), params, &env); err != nil {
		return nil, "", err
	}
	return env.items(), env.Data.After, nil
}

func (c *Client) fetchUserTimeline(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	surface := q.Surface
	if surface == "" || surface == "submissions" {
		surface = "submitted"
	}
	params := baseParams(q)
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	var env listingEnvelope
	if err := c.getJSON(ctx, "user_timeline", fmt.Sprintf("/user/%s/%s", url.PathEscape(q.Username), surface), params, &env); err != nil {
		return nil, "", err
	}
	return env.items(), env.Data.After, nil
}

// fetchComments pulls one post's comment tree. The returned cursor is the
// pending morechildren id list (comma-joined), empty when the tree fit in
// one page.
func (c *Client) fetchComments(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	params := baseParams(q)
	var envs []listingEnvelope
	if err := c.getJSON(ctx, "comments", "/comments/"+url.PathEscape(q.PostID), params, &envs); err != nil {
		return nil, "", err
	}
	if len(envs) < 2 {
		return nil, "", nil
	}
	var items []domain.Item
	var more []string
	flattenComments(envs[1].Data.Children, &items, &more)
	if len(more) > maxMoreChildren {
		more = more[:maxMoreChildren]
	}
	return items, strings.Join(more, ","), nil
}

// fetchMoreChildren resolves one batch of pending comment ids recorded by
// a previous fetchComments cursor.
func (c *Client) fetchMoreChildren(ctx domain.Context, q domain.ListingQuery) ([]domain.Item, string, error) {
	params := url.Values{}
	params.Set("api_type", "json")
	params.Set("link_id", "t3_"+q.PostID)
	params.Set("children", q.After)
	params.Set("raw_json", "1")
	var out struct {
		JSON struct {
			Data struct {
				Things []thing `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := c.getJSON(ctx, "more_children", "/api/morechildren", params, &out); err != nil {
		return nil, "", err
	}
	var items []domain.Item
	var more []string
	flattenComments(out.JSON.Data.Things, &items, &more)
	return items, "", nil
}

func baseParams(q domain.ListingQuery) url.Values {
	params := url.Values{}
	params.Set("raw_json", "1")
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	return params
}

// Wire shapes. Children keep their raw data so the payload passes through
// untouched.

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingEnvelope struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

func (e listingEnvelope) items() []domain.Item {
	items := make([]domain.Item, 0, len(e.Data.Children))
	for _, ch := range e.Data.Children {
		if it, ok := toItem(ch); ok {
			items = append(items, it)
		}
	}
	return items
}

func toItem(t thing) (domain.Item, bool) {
	var kind string
	switch t.Kind {
	case "t3":
		kind = domain.ItemKindPost
	case "t1":
		kind = domain.ItemKindComment
	default:
		return domain.Item{}, false
	}
	var d struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Subreddit  string  `json:"subreddit"`
		Permalink  string  `json:"permalink"`
		CreatedUTC float64 `json:"created_utc"`
	}
	if err := json.Unmarshal(t.Data, &d); err != nil {
		return domain.Item{}, false
	}
	id := d.Name
	if id == "" {
		id = t.Kind + "_" + d.ID
	}
	var uri string
	if d.Permalink != "" {
		uri = "https://www.reddit.com" + d.Permalink
	}
	return domain.Item{
		ID:        id,
		Kind:      kind,
		Subreddit: d.Subreddit,
		URI:       uri,
		CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Payload:   t.Data,
	}, true
}

// flattenComments walks a comment forest depth-first, collecting every
// comment and the ids any "more" stubs still hold.
func flattenComments(children []thing, items *[]domain.Item, more *[]string) {
	for _, ch := range children {
		switch ch.Kind {
		case "t1":
			if it, ok := toItem(ch); ok {
				*items = append(*items, it)
			}
			var d struct {
				Replies json.RawMessage `json:"replies"`
			}
			// Childless comments carry replies as an empty string.
			if err := json.Unmarshal(ch.Data, &d); err == nil && len(d.Replies) > 0 && d.Replies[0] == '{' {
				var env listingEnvelope
				if err := json.Unmarshal(d.Replies, &env); err == nil {
					flattenComments(env.Data.Children, items, more)
				}
			}
		case "more":
			var d struct {
				Children []string `json:"children"`
			}
			if err := json.Unmarshal(ch.Data, &d); err == nil {
				*more = append(*more, d.Children...)
			}
		}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
