package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ggoodman/procurement-session-go/gatekeeper"
)

// Endpoint paths, relative to the API base URL.
const (
	ListPath        = "/notifications/"
	UnreadCountPath = "/notifications/unread-count/"
	MarkAllReadPath = "/notifications/mark-all-read/"
)

// Level is a notification's severity.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Notification is one inbox entry.
type Notification struct {
	ID        int     `json:"id"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Link      string  `json:"link"`
	Level     Level   `json:"level"`
	CreatedAt string  `json:"created_at"`
	ReadAt    *string `json:"read_at"`
	IsRead    bool    `json:"is_read"`
}

// Page is one page of a paginated listing.
type Page struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []Notification `json:"results"`
}

// Params are listing query parameters. Nil and empty values are omitted and
// slices are sent comma-joined.
type Params map[string]any

// Values renders p as a query string.
func (p Params) Values() url.Values {
	v := url.Values{}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := formatParam(p[k]); ok {
			v.Set(k, s)
		}
	}
	return v
}

func formatParam(val any) (string, bool) {
	switch x := val.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case []string:
		parts := make([]string, 0, len(x))
		for _, s := range x {
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), len(parts) > 0
	case []Level:
		parts := make([]string, 0, len(x))
		for _, l := range x {
			if l != "" {
				parts = append(parts, string(l))
			}
		}
		return strings.Join(parts, ","), len(parts) > 0
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case *bool:
		if x == nil {
			return "", false
		}
		return strconv.FormatBool(*x), true
	default:
		s := fmt.Sprint(x)
		return s, s != ""
	}
}

// Client calls the notifications API through an authorizing HTTP client.
type Client struct {
	base   string
	http   *http.Client
	unread *Unread
	log    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient returns a Client for baseURL. hc should route through
// gatekeeper.Transport; unread receives counts fetched by RefreshUnread.
func NewClient(baseURL string, hc *http.Client, unread *Unread, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   hc,
		unread: unread,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unread returns the cell RefreshUnread writes to.
func (c *Client) Unread() *Unread { return c.unread }

type unreadResponse struct {
	Unread int `json:"unread"`
}

// RefreshUnread fetches the unread count and stores it in the shared cell.
func (c *Client) RefreshUnread(ctx context.Context) (int, error) {
	var out unreadResponse
	if err := c.do(ctx, http.MethodGet, UnreadCountPath, nil, &out); err != nil {
		return 0, err
	}
	c.unread.Set(out.Unread)
	return c.unread.Value(), nil
}

// List fetches one page of notifications.
func (c *Client) List(ctx context.Context, p Params) (*Page, error) {
	var out Page
	if err := c.do(ctx, http.MethodGet, ListPath, p.Values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/notifications/%d/mark-read/", id), nil, nil)
}

// MarkAllRead marks every notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, MarkAllReadPath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("notifications: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if out == nil {
		return gatekeeper.CheckResponse(res)
	}
	if err := gatekeeper.DecodeJSON(res, out); err != nil {
		c.log.DebugContext(ctx, "notifications.request.fail", slog.String("path", path), slog.String("err", err.Error()))
		return err
	}
	return nil
}
