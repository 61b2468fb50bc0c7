package waha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/drblury/waflow/chat"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
	"github.com/drblury/waflow/internal/runtime/logging"
)

const (
	eventMessage       = "message"
	eventMessageAny    = "message.any"
	eventSessionStatus = "session.status"
)

// Session statuses reported by session.status events.
const (
	StatusStarting = "STARTING"
	StatusScanQR   = "SCAN_QR_CODE"
	StatusWorking  = "WORKING"
	StatusFailed   = "FAILED"
	StatusStopped  = "STOPPED"
)

type envelope struct {
	ID        string               `json:"id"`
	Timestamp int64                `json:"timestamp"`
	Event     string               `json:"event"`
	Session   string               `json:"session"`
	Payload   jsoncodec.RawMessage `json:"payload"`
}

type sessionStatusPayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type qrResponse struct {
	Value string `json:"value"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing || errors.Is(err, context.Canceled) {
		return
	}
	// TODO: redial with retry.Run instead of surfacing every stream drop as a disconnect.
	reason := err.Error()
	if status := websocket.CloseStatus(err); status != -1 {
		reason = status.String()
	}
	c.logger.Warn("WAHA event stream closed", logging.LogFields{"reason": reason})
	if fn := c.currentListeners().OnDisconnected; fn != nil {
		fn(reason)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Ignoring undecodable WAHA event", logging.LogFields{"error": err.Error()})
		return
	}
	if env.Session != "" && env.Session != c.session {
		return
	}

	listeners := c.currentListeners()
	switch env.Event {
	case eventMessage, eventMessageAny:
		if listeners.OnMessage == nil {
			return
		}
		var payload messagePayload
		if err := jsoncodec.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("Ignoring undecodable WAHA message", logging.LogFields{"error": err.Error()})
			return
		}
		eventType := chat.EventMessage
		if env.Event == eventMessageAny {
			eventType = chat.EventMessageCreate
		}
		listeners.OnMessage(c.newMessage(payload), eventType)
	case eventSessionStatus:
		var payload sessionStatusPayload
		if err := jsoncodec.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn("Ignoring undecodable WAHA session status", logging.LogFields{"error": err.Error()})
			return
		}
		c.handleStatus(ctx, listeners, payload.Status)
	default:
		c.logger.Trace("Ignoring WAHA event", logging.LogFields{"event": env.Event})
	}
}

func (c *Client) handleStatus(ctx context.Context, listeners chat.Listeners, status string) {
	if listeners.OnChangeState != nil {
		listeners.OnChangeState(status)
	}
	switch status {
	case StatusStarting:
		if listeners.OnLoadingScreen != nil {
			listeners.OnLoadingScreen(0, status)
		}
	case StatusScanQR:
		if listeners.OnQR == nil {
			return
		}
		qr, err := c.fetchQR(ctx)
		if err != nil {
			c.logger.Warn("Failed to fetch QR code", logging.LogFields{"error": err.Error()})
			return
		}
		listeners.OnQR(qr)
	case StatusWorking:
		if listeners.OnAuthenticated != nil {
			listeners.OnAuthenticated()
		}
		if listeners.OnReady != nil {
			listeners.OnReady()
		}
	case StatusFailed:
		if listeners.OnAuthFailure != nil {
			listeners.OnAuthFailure(status)
		}
	case StatusStopped:
		if listeners.OnDisconnected != nil {
			listeners.OnDisconnected(status)
		}
	}
}

func (c *Client) fetchQR(ctx context.Context) (string, error) {
	var resp qrResponse
	path := fmt.Sprintf("/api/%s/auth/qr?format=raw", url.PathEscape(c.session))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}
