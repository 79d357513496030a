package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Conn is one live session to one worker. A reconnect produces a new Conn;
// an existing Conn is never reused after Close.
type Conn struct {
	InstanceID  int64
	ClientID    string
	APIURL      string
	ConnectedAt time.Time

	ws        *websocket.Conn
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// SessionURL builds <wsURL>/ws?clientId=<clientID>.
func SessionURL(wsURL, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(wsURL, "/") + "/ws")
	if err != nil {
		return "", fmt.Errorf("invalid worker ws url %q: %w", wsURL, err)
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens a session with a fresh client id. Failures are returned, not retried.
func Connect(ctx context.Context, instanceID int64, wsURL, apiURL string) (*Conn, error) {
	clientID := uuid.New().String()
	target, err := SessionURL(wsURL, clientID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: target, Err: err}
	}

	return &Conn{
		InstanceID:  instanceID,
		ClientID:    clientID,
		APIURL:      apiURL,
		ConnectedAt: time.Now(),
		ws:          ws,
	}, nil
}

// API returns a control client for this session's worker.
func (c *Conn) API() *APIClient {
	return NewAPIClient(c.APIURL, nil)
}

// ReadFrame blocks for the next text frame. Binary frames (previews) are skipped.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
