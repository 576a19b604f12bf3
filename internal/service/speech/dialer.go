package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsDialer 带重试的 WebSocket 拨号器，供火山引擎 ASR/TTS 共用。
type wsDialer struct {
	dialer     *websocket.Dialer
	maxRetries int
	backoff    time.Duration
	readLimit  time.Duration
}

func newWSDialer() *wsDialer {
	return &wsDialer{
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		readLimit:  60 * time.Second,
	}
}

// dial connects to url, retrying transient failures with a linear backoff.
func (d *wsDialer) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		conn, resp, err := d.dialer.DialContext(ctx, url, header)
		if err == nil {
			conn.SetReadDeadline(time.Now().Add(d.readLimit))
			return conn, resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !isRetryableDialError(err, resp) {
			return nil, resp, fmt.Errorf("websocket dial failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * d.backoff):
		}
	}
	return nil, nil, fmt.Errorf("websocket dial failed after %d attempts: %w", d.maxRetries, lastErr)
}

// isRetryableDialError 仅对网络抖动和 5xx 握手失败重试。
func isRetryableDialError(err error, resp *http.Response) bool {
	if err == nil {
		return false
	}
	if resp != nil {
		return resp.StatusCode >= http.StatusInternalServerError
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
