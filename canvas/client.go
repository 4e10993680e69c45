// Package canvas is a small read-only client for the Canvas LMS REST API:
// the course, assignment and file lookups the assistant needs.
package canvas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when Canvas answers 404.
var ErrNotFound = errors.New("canvas: not found")

// StatusError is any other non-2xx answer.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("canvas: status %d", e.Status)
	}
	return fmt.Sprintf("canvas: status %d: %s", e.Status, e.Message)
}

type Course struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
}

type Assignment struct {
	ID              int64      `json:"id"`
	CourseID        int64      `json:"course_id"`
	Name            string     `json:"name"`
	DescriptionHTML string     `json:"description"`
	DueAt           *time.Time `json:"due_at"`
	PointsPossible  *float64   `json:"points_possible"`
	SubmissionTypes []string   `json:"submission_types"`
}

// Description returns the assignment description as plain text.
func (a Assignment) Description() string { return PlainText(a.DescriptionHTML) }

type File struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content-type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Name prefers the display name.
func (f File) Name() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.Filename
}

type tokenKey struct{}

// WithAccessToken makes calls made with ctx use token instead of the
// client's configured token.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// Client talks to one Canvas instance. Lookups are cached per token.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	cache    Cache
	cacheTTL time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithCache sets the lookup cache. A nil cache disables caching.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("canvas base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("canvas base url: %w", err)
	}
	c := &Client{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		cacheTTL: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) FetchCourse(ctx context.Context, courseID string) (Course, error) {
	var out Course
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/courses/%s", url.PathEscape(courseID)), &out)
	return out, err
}

func (c *Client) FetchAssignment(ctx context.Context, courseID, assignmentID string) (Assignment, error) {
	var out Assignment
	path := fmt.Sprintf("/api/v1/courses/%s/assignments/%s", url.PathEscape(courseID), url.PathEscape(assignmentID))
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) FetchFile(ctx context.Context, courseID, fileID string) (File, error) {
	var out File
	path := fmt.Sprintf("/api/v1/courses/%s/files/%s", url.PathEscape(courseID), url.PathEscape(fileID))
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Download reads at most limit bytes of a file. The second result reports
// whether the content was cut short.
func (c *Client) Download(ctx context.Context, f File, limit int64) ([]byte, bool, error) {
	if f.URL == "" {
		return nil, false, errors.New("canvas: file has no download url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, false, err
	}
	// signed download urls point at other hosts; only send the token home
	if strings.HasPrefix(f.URL, c.baseURL) {
		c.authorize(ctx, req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func (c *Client) tokenFor(ctx context.Context) string {
	if t, ok := ctx.Value(tokenKey{}).(string); ok && t != "" {
		return t
	}
	return c.token
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if t := c.tokenFor(ctx); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	key := c.cacheKey(ctx, path)
	if c.cache != nil {
		if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			if json.Unmarshal(data, out) == nil {
				return nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("canvas: decode %s: %w", path, err)
	}
	if c.cache != nil {
		// a cache write failure only costs a refetch
		_ = c.cache.Set(ctx, key, data, c.cacheTTL)
	}
	return nil
}

// cacheKey scopes entries to the calling token so one student's lookups
// are never served to another.
func (c *Client) cacheKey(ctx context.Context, path string) string {
	sum := sha256.Sum256([]byte(c.tokenFor(ctx)))
	return "canvas:" + hex.EncodeToString(sum[:8]) + ":" + path
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case len(payload.Errors) > 0:
			msg = payload.Errors[0].Message
		case payload.Message != "":
			msg = payload.Message
		}
	}
	return &StatusError{Status: resp.StatusCode, Message: msg}
}
