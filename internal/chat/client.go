package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v4"

// listPageSize is the per_page value for directory listing calls.
const listPageSize = 200

// Options tunes the REST client. Zero values pick the defaults.
type Options struct {
	// Timeout bounds every REST call (default 10s).
	Timeout time.Duration

	// PublishRate limits post creation per second (default 2).
	PublishRate float64
}

// Client is the authenticated REST client for directory resolution and post
// creation. Resolution results are cached for the process lifetime: channel
// identity does not change while the bridge runs.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	sf      singleflight.Group

	mu         sync.RWMutex
	teamIDs    map[string]string // lower(name) -> id
	channelIDs map[string]string // teamID + "/" + lower(name) -> id
}

// NewClient creates a client for the given chat server base URL and token.
func NewClient(baseURL, token string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	publishRate := opts.PublishRate
	if publishRate <= 0 {
		publishRate = 2
	}

	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		token:      token,
		httpc:      &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(publishRate), 1),
		teamIDs:    make(map[string]string),
		channelIDs: make(map[string]string),
	}, nil
}

// Me returns the bot's own identity. Needed by the thread gate to exclude
// the bot's posts from routing.
func (c *Client) Me(ctx context.Context) (User, error) {
	var me User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return User{}, err
	}
	if me.ID == "" {
		return User{}, &TransportError{Op: "users/me", Err: fmt.Errorf("empty user id in response")}
	}
	return me, nil
}

// ResolveTeam resolves a human-readable team name to its stable identifier.
// Matching is case-insensitive against both short name and display name.
func (c *Client) ResolveTeam(ctx context.Context, name string) (string, error) {
	key := strings.ToLower(name)

	c.mu.RLock()
	id, ok := c.teamIDs[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.sf.Do("team:"+key, func() (any, error) {
		for page := 0; ; page++ {
			var teams []Team
			path := fmt.Sprintf("/teams?page=%d&per_page=%d", page, listPageSize)
			if err := c.do(ctx, http.MethodGet, path, nil, &teams); err != nil {
				return "", err
			}
			for _, team := range teams {
				if strings.EqualFold(team.Name, name) || strings.EqualFold(team.DisplayName, name) {
					return team.ID, nil
				}
			}
			if len(teams) < listPageSize {
				return "", fmt.Errorf("%w: team %q", ErrNotFound, name)
			}
		}
	})
	if err != nil {
		return "", err
	}

	id = v.(string)
	c.mu.Lock()
	c.teamIDs[key] = id
	c.mu.Unlock()
	return id, nil
}

// ResolveChannel resolves a channel name within a team. Case-insensitive
// against short name and display name, cached for the process lifetime.
func (c *Client) ResolveChannel(ctx context.Context, teamID, name string) (string, error) {
	key := teamID + "/" + strings.ToLower(name)

	c.mu.RLock()
	id, ok := c.channelIDs[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := c.sf.Do("channel:"+key, func() (any, error) {
		for page := 0; ; page++ {
			var channels []Channel
			path := fmt.Sprintf("/teams/%s/channels?page=%d&per_page=%d", teamID, page, listPageSize)
			if err := c.do(ctx, http.MethodGet, path, nil, &channels); err != nil {
				return "", err
			}
			for _, ch := range channels {
				if strings.EqualFold(ch.Name, name) || strings.EqualFold(ch.DisplayName, name) {
					return ch.ID, nil
				}
			}
			if len(channels) < listPageSize {
				return "", fmt.Errorf("%w: channel %q", ErrNotFound, name)
			}
		}
	})
	if err != nil {
		return "", err
	}

	id = v.(string)
	c.mu.Lock()
	c.channelIDs[key] = id
	c.mu.Unlock()
	return id, nil
}

// CreatePost publishes a message. rootID empty creates a top-level post
// (the startup announcement); otherwise the post is a thread reply. No
// automatic retries: a failure surfaces to the caller as a PublishError.
func (c *Client) CreatePost(ctx context.Context, channelID, rootID, message string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &PublishError{ChannelID: channelID, Err: err}
	}

	body := map[string]string{
		"channel_id": channelID,
		"message":    message,
	}
	if rootID != "" {
		body["root_id"] = rootID
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/posts", body, &out); err != nil {
		return "", &PublishError{ChannelID: channelID, Err: err}
	}
	if out.ID == "" {
		return "", &PublishError{ChannelID: channelID, Err: fmt.Errorf("empty post id in response")}
	}
	return out.ID, nil
}

// do performs one authenticated JSON request. Non-2xx responses and
// transport failures surface as *TransportError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Op:         path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
