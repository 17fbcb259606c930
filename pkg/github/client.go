// Package github is a thin client for the handful of REST endpoints the
// reporter needs: release bodies, pull request comments, and credential
// validation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultAPIBaseURL = "https://api.github.com"
	defaultTimeout    = 15 * time.Second
	retryMax          = 3
	commentsPerPage   = 100

	// tokenExpirationHeader carries the expiry of fine-grained and
	// expiring classic tokens, e.g. "2026-09-06 08:00:00 UTC".
	tokenExpirationHeader = "GitHub-Authentication-Token-Expiration"
)

// Release is a repository release as far as the reporter cares.
type Release struct {
	ID      int64  `json:"id"`
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
}

// Comment is an issue/pull request comment.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// TokenInfo describes the authenticated credential.
type TokenInfo struct {
	Login         string
	RateRemaining int
	ExpiresAt     *time.Time
}

// Client is the reporting platform interface, abstracted for tests.
type Client interface {
	GetRelease(ctx context.Context, id int64) (*Release, error)
	UpdateReleaseBody(ctx context.Context, id int64, body string) error
	ListIssueComments(ctx context.Context, number int) ([]Comment, error)
	CreateIssueComment(ctx context.Context, number int, body string) (*Comment, error)
	UpdateIssueComment(ctx context.Context, commentID int64, body string) error
	ValidateToken(ctx context.Context) (*TokenInfo, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

// Config contains GitHub client settings.
type Config struct {
	// Token is the credential used for all calls.
	Token string

	// Repo is the owner/repo the reporter posts to.
	Repo string

	// APIBaseURL overrides the API endpoint; used by tests.
	APIBaseURL string

	// RequestTimeout bounds a single outbound call so one unreachable
	// target cannot stall a whole reporter cycle.
	RequestTimeout time.Duration
}

type client struct {
	log     logrus.FieldLogger
	cfg     *Config
	baseURL string
	httpc   *http.Client
}

// NewClient creates a GitHub client with retrying transport and a bounded
// per-request timeout.
func NewClient(log logrus.FieldLogger, cfg *Config) Client {
	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = retryMax
	retryClient.HTTPClient.Timeout = timeout

	return &client{
		log:     log.WithField("component", "github"),
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   retryClient.StandardClient(),
	}
}

// GetRelease fetches a release by ID.
func (c *client) GetRelease(ctx context.Context, id int64) (*Release, error) {
	var release Release

	path := fmt.Sprintf("/repos/%s/releases/%d", c.cfg.Repo, id)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &release); err != nil {
		return nil, fmt.Errorf("getting release %d: %w", id, err)
	}

	return &release, nil
}

// UpdateReleaseBody replaces the body of a release.
func (c *client) UpdateReleaseBody(
	ctx context.Context, id int64, body string,
) error {
	path := fmt.Sprintf("/repos/%s/releases/%d", c.cfg.Repo, id)

	payload := map[string]string{"body": body}
	if _, err := c.do(ctx, http.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("updating release %d: %w", id, err)
	}

	return nil
}

// ListIssueComments returns all comments on a pull request, following
// pagination.
func (c *client) ListIssueComments(
	ctx context.Context, number int,
) ([]Comment, error) {
	var all []Comment

	for page := 1; ; page++ {
		path := fmt.Sprintf(
			"/repos/%s/issues/%d/comments?per_page=%d&page=%d",
			c.cfg.Repo, number, commentsPerPage, page,
		)

		var comments []Comment
		if _, err := c.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
			return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
		}

		all = append(all, comments...)

		if len(comments) < commentsPerPage {
			return all, nil
		}
	}
}

// CreateIssueComment posts a new comment on a pull request.
func (c *client) CreateIssueComment(
	ctx context.Context, number int, body string,
) (*Comment, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", c.cfg.Repo, number)

	var comment Comment

	payload := map[string]string{"body": body}
	if _, err := c.do(ctx, http.MethodPost, path, payload, &comment); err != nil {
		return nil, fmt.Errorf("creating comment on #%d: %w", number, err)
	}

	return &comment, nil
}

// UpdateIssueComment replaces the body of an existing comment.
func (c *client) UpdateIssueComment(
	ctx context.Context, commentID int64, body string,
) error {
	path := fmt.Sprintf("/repos/%s/issues/comments/%d", c.cfg.Repo, commentID)

	payload := map[string]string{"body": body}
	if _, err := c.do(ctx, http.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("updating comment %d: %w", commentID, err)
	}

	return nil
}

// ValidateToken makes a lightweight authenticated call and returns the
// credential's identity, remaining rate limit quota, and expiry when the
// token is an expiring one.
func (c *client) ValidateToken(ctx context.Context) (*TokenInfo, error) {
	var user struct {
		Login string `json:"login"`
	}

	header, err := c.do(ctx, http.MethodGet, "/user", nil, &user)
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}

	info := &TokenInfo{Login: user.Login}

	if v := header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RateRemaining = n
		}
	}

	if v := header.Get(tokenExpirationHeader); v != "" {
		if t, err := parseTokenExpiration(v); err == nil {
			info.ExpiresAt = &t
		} else {
			c.log.WithField("value", v).
				Warn("Unparseable token expiration header")
		}
	}

	return info, nil
}

// do performs a single API call, decoding the JSON response into out when
// out is non-nil. Returns the response headers for callers that need them.
func (c *client) do(
	ctx context.Context, method, path string, payload, out any,
) (http.Header, error) {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf(
			"github api returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)),
		)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}

	return resp.Header, nil
}

// parseTokenExpiration parses the expiration header, which GitHub emits
// either as "2026-09-06 08:00:00 UTC" or as RFC 3339.
func parseTokenExpiration(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02 15:04:05 MST", v); err == nil {
		return t, nil
	}

	return time.Parse(time.RFC3339, v)
}
