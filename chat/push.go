package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PushConn is the part of `*websocket.Conn` the session uses.
// At most one goroutine reads and one goroutine writes data frames.
type PushConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// (ctx, url) where the url already carries the token
type PushDialer func(ctx context.Context, pushUrl string) (PushConn, error)

func NewWebsocketPushDialer(handshakeTimeout time.Duration) PushDialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, pushUrl string) (PushConn, error) {
		ws, _, err := dialer.DialContext(ctx, pushUrl, nil)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

// the push socket is authenticated by the bearer token in the query
func PushUrlWithToken(pushUrl string, token string) (string, error) {
	u, err := url.Parse(pushUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("Unsupported push url scheme: %s", u.Scheme)
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// one open socket. The session replaces it on reconnect, it is never reused.
type pushConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn PushConn
	send chan []byte

	closeOnce sync.Once
}

func newPushConnection(ctx context.Context, conn PushConn, sendQueueSize int) *pushConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &pushConnection{
		ctx:    cancelCtx,
		cancel: cancel,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
	}
}

// enqueue never blocks. A full queue means the writer is stuck, and the caller closes the connection.
func (self *pushConnection) enqueue(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frameBytes:
		return true
	default:
		return false
	}
}

func (self *pushConnection) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.conn.Close()
	})
}
