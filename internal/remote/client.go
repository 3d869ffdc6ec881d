package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/offsync/internal/model"
)

// Client is a Store backed by a remote Server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	buffer int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for CRUD calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithDialer overrides the websocket dialer used for feeds.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer: DefaultFeedBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HealthURL returns the reachability endpoint of the server.
func (c *Client) HealthURL() string {
	return c.base.JoinPath("healthz").String()
}

// Insert implements Store.
func (c *Client) Insert(ctx context.Context, resource string, rec model.Record) (model.Record, error) {
	var out model.Record
	err := c.do(ctx, OpInsert, resource, http.MethodPost, c.resourceURL(resource, "", nil), rec, &out)
	return out, err
}

// UpdateByID implements Store.
func (c *Client) UpdateByID(ctx context.Context, resource, id string, partial model.Record) (model.Record, error) {
	var out model.Record
	err := c.do(ctx, OpUpdate, resource, http.MethodPatch, c.resourceURL(resource, id, nil), partial, &out)
	return out, err
}

// DeleteByID implements Store.
func (c *Client) DeleteByID(ctx context.Context, resource, id string) error {
	return c.do(ctx, OpDelete, resource, http.MethodDelete, c.resourceURL(resource, id, nil), nil, nil)
}

// SelectAll implements Store.
func (c *Client) SelectAll(ctx context.Context, resource string, filter *model.Filter) ([]model.Record, error) {
	var out []model.Record
	err := c.do(ctx, OpSelect, resource, http.MethodGet, c.resourceURL(resource, "", filter), nil, &out)
	return out, err
}

// Subscribe dials the websocket feed. The returned feed becomes Ready when
// the server's ready frame arrives.
func (c *Client) Subscribe(ctx context.Context, resource string, filter *model.Filter) (Feed, error) {
	u := c.base.JoinPath("v1", resource, "feed")
	if filter != nil && filter.Column != "" {
		q := u.Query()
		q.Set("column", filter.Column)
		q.Set("value", filter.Value)
		u.RawQuery = q.Encode()
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &Error{Kind: KindForStatus(resp.StatusCode), Op: string(OpSubscribe), Resource: resource, Status: resp.StatusCode, Err: err}
		}
		return nil, Transient(string(OpSubscribe), resource, err)
	}

	f := &wsFeed{
		conn:   conn,
		ready:  make(chan struct{}),
		events: make(chan model.ChangeEvent, c.buffer),
		done:   make(chan struct{}),
	}
	go f.readLoop(resource)
	return f, nil
}

func (c *Client) resourceURL(resource, id string, filter *model.Filter) string {
	u := c.base.JoinPath("v1", resource)
	if id != "" {
		u = u.JoinPath(id)
	}
	if filter != nil && filter.Column != "" {
		q := u.Query()
		q.Set("column", filter.Column)
		q.Set("value", filter.Value)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do performs one JSON request and classifies any failure.
func (c *Client) do(ctx context.Context, op Op, resource, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Permanent(string(op), resource, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Permanent(string(op), resource, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(string(op), resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb ErrorBody
		msg := resp.Status
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); len(data) > 0 {
			if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
				msg = eb.Error
			}
		}
		cause := errors.New(msg)
		if resp.StatusCode == http.StatusNotFound {
			cause = fmt.Errorf("%s: %w", msg, ErrNotFound)
		}
		return &Error{Kind: KindForStatus(resp.StatusCode), Op: string(op), Resource: resource, Status: resp.StatusCode, Err: cause}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(string(op), resource, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// wsFeed is a Feed over a websocket connection.
type wsFeed struct {
	conn      *websocket.Conn
	ready     chan struct{}
	events    chan model.ChangeEvent
	done      chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *wsFeed) Ready() <-chan struct{}           { return f.ready }
func (f *wsFeed) Events() <-chan model.ChangeEvent { return f.events }

func (f *wsFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *wsFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
		err = f.conn.Close()
	})
	return err
}

func (f *wsFeed) readLoop(resource string) {
	defer close(f.events)

	for {
		var frame FeedFrame
		if err := f.conn.ReadJSON(&frame); err != nil {
			f.fail(Transient(string(OpSubscribe), resource, fmt.Errorf("%w: %v", ErrFeedDropped, err)))
			return
		}

		switch frame.Type {
		case FrameReady:
			f.readyOnce.Do(func() { close(f.ready) })
		case FrameChange:
			if frame.Event == nil {
				continue
			}
			select {
			case f.events <- *frame.Event:
			case <-f.done:
				return
			}
		case FrameError:
			f.fail(Transient(string(OpSubscribe), resource, fmt.Errorf("%w: %s", ErrFeedDropped, frame.Error)))
			_ = f.conn.Close()
			return
		}
	}
}

// fail records why the feed ended unless it was closed on purpose.
func (f *wsFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.err = err
	}
}
