package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is one live Socket Mode WebSocket. ReadMessage has a single caller;
// the other methods are safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	// OnPong registers fn to run whenever a pong arrives.
	OnPong(fn func())
	Close() error
}

// Dialer opens a new Conn, including any URL bootstrap.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// URLOpener returns a fresh Socket Mode WebSocket URL (apps.connections.open).
type URLOpener interface {
	OpenSocketURL(ctx context.Context) (string, error)
}

// WSDialer dials Slack's Socket Mode endpoint with gorilla/websocket.
type WSDialer struct {
	opener URLOpener
	dialer *websocket.Dialer
	header http.Header
}

// NewWSDialer creates a dialer that fetches a new URL for every connection.
func NewWSDialer(opener URLOpener, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	return &WSDialer{
		opener: opener,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: http.Header{"User-Agent": []string{"slackbridge"}},
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	url, err := d.opener.OpenSocketURL(ctx)
	if err != nil {
		return nil, err
	}
	ws, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("slackbridge"), time.Now().Add(writeWait))
}

func (c *wsConn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
