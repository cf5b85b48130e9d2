package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// readLimit bounds one response frame; rollouts can be large.
const readLimit = 64 << 20

// WSBackend reaches a remote engine over WebSocket: one connection per call,
// the Request as the first text frame, then one Response per frame.
type WSBackend struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
}

// NewWSBackend creates a WSBackend dialing url with the given extra headers.
func NewWSBackend(url string, headers map[string]string, dialTimeout time.Duration) *WSBackend {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &WSBackend{url: url, header: h, dialTimeout: dialTimeout}
}

func (b *WSBackend) Open(ctx context.Context, req Request) (Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, b.url, &websocket.DialOptions{HTTPHeader: b.header})
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "request not sent")
		return nil, fmt.Errorf("send backend request: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	done bool
}

func (s *wsStream) Recv(ctx context.Context) (Response, error) {
	if s.done {
		return Response{}, io.EOF
	}
	var resp Response
	if err := wsjson.Read(ctx, s.conn, &resp); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.done = true
			return Response{}, io.EOF
		}
		return Response{}, fmt.Errorf("read backend frame: %w", err)
	}
	if resp.Terminal() {
		s.done = true
	}
	return resp, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
