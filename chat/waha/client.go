// Package waha implements chat.Client against a WAHA (WhatsApp HTTP API)
// server. Commands use the REST API; events arrive over the server's
// websocket endpoint.
package waha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	"github.com/drblury/waflow/internal/runtime/logging"
	"github.com/drblury/waflow/internal/runtime/retry"
)

const (
	apiBase          = "/api"
	endpointSendText = "/sendText"
	endpointContacts = "/contacts"
	endpointWS       = "/ws"

	defaultTimeout = 30 * time.Second
)

// DefaultEvents are the websocket events the client subscribes to.
var DefaultEvents = []string{eventMessage, eventMessageAny, eventSessionStatus}

var (
	ErrBaseURLRequired = errors.New("waha: base URL is required")
	ErrSessionRequired = errors.New("waha: session name is required")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("waha: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Config struct {
	BaseURL string
	APIKey  string
	Session string
	// Timeout applies to each REST call. Zero means 30s.
	Timeout time.Duration
	// StartRetry governs session start attempts in Initialize.
	StartRetry retry.Config
	// Events overrides DefaultEvents.
	Events     []string
	HTTPClient *http.Client
	Logger     logging.ServiceLogger
}

// Client is a chat.Client backed by a WAHA session.
type Client struct {
	baseURL string
	apiKey  string
	session string
	events  []string
	retry   retry.Config
	timeout time.Duration
	http    *http.Client
	logger  logging.ServiceLogger

	mu        sync.Mutex
	listeners chat.Listeners
	conn      *websocket.Conn
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closing   bool
}

var _ chat.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, ErrBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("waha: invalid base URL: %w", err)
	}
	if cfg.Session == "" {
		return nil, ErrSessionRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	events := cfg.Events
	if len(events) == 0 {
		events = DefaultEvents
	}

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		session: cfg.Session,
		events:  events,
		retry:   cfg.StartRetry,
		timeout: timeout,
		http:    httpClient,
		logger:  logger.With(logging.LogFields{"component": "waha", "session": cfg.Session}),
	}, nil
}

func (c *Client) Listen(listeners chat.Listeners) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = listeners
}

func (c *Client) currentListeners() chat.Listeners {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

// Initialize starts the WAHA session, retrying per StartRetry, and opens the
// event stream. Events are delivered until Destroy.
func (c *Client) Initialize(ctx context.Context) error {
	err := retry.Run(ctx, c.retry, c.startSession, retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("Session start failed, retrying", logging.LogFields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	// The websocket dialer rejects clients with Timeout set; the dial context
	// carries the deadline instead.
	dialHTTP := *c.http
	dialHTTP.Timeout = 0
	dialCtx, cancelDial := context.WithTimeout(ctx, c.timeout)
	conn, _, err := websocket.Dial(dialCtx, c.eventsURL(), &websocket.DialOptions{
		HTTPClient: &dialHTTP,
		HTTPHeader: c.headers(),
	})
	cancelDial()
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		cancel()
		_ = conn.CloseNow()
		return nil
	}
	c.conn, c.cancel, c.loopDone, c.closing = conn, cancel, done, false
	c.mu.Unlock()

	go c.readLoop(loopCtx, conn, done)
	c.logger.Info("Connected to WAHA event stream", nil)
	return nil
}

// startSession treats "already started" (422) as success.
func (c *Client) startSession(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/start", apiBase, url.PathEscape(c.session)), nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnprocessableEntity {
		return nil
	}
	return err
}

type sendTextRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

type sendTextResponse struct {
	ID        messageID `json:"id"`
	Timestamp int64     `json:"timestamp"`
}

func (c *Client) SendMessage(ctx context.Context, chatID, content string) (chat.SentMessage, error) {
	var resp sendTextResponse
	req := sendTextRequest{ChatID: chatID, Text: content, Session: c.session}
	if err := c.do(ctx, http.MethodPost, apiBase+endpointSendText, req, &resp); err != nil {
		return chat.SentMessage{}, err
	}
	return chat.SentMessage{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// Destroy closes the event stream and stops the WAHA session.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.loopDone
	c.conn, c.cancel, c.loopDone = nil, nil, nil
	c.closing = true
	c.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client destroyed"); err != nil {
			_ = conn.CloseNow()
		}
		cancel()
		<-done
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/stop", apiBase, url.PathEscape(c.session)), nil, nil); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("X-Api-Key", c.apiKey)
	}
	return h
}

func (c *Client) eventsURL() string {
	u, _ := url.Parse(c.baseURL + endpointWS)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("session", c.session)
	for _, ev := range c.events {
		q.Add("events", ev)
	}
	if c.apiKey != "" {
		q.Set("x-api-key", c.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := jsoncodec.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.headers()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", chat.ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := jsoncodec.Decode(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
