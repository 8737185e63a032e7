// ABOUTME: Websocket adapter: JSON-coded messages on text frames with read and write deadlines.
// ABOUTME: Provides the server HTTP handler and the agent-side dialer.

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/gantry/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

type wsStream struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
}

func newWSStream(conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *wsStream {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsStream{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (w *wsStream) Send(msg *protocol.Message) error {
	data, err := protocol.JSONCodec{}.Encode(msg)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsStream) Recv() (*protocol.Message, error) {
	if w.readTimeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.readTimeout)); err != nil {
			return nil, err
		}
	}
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("%w: websocket frame type %d", protocol.ErrMalformedMessage, mt)
	}
	return protocol.JSONCodec{}.Decode(data)
}

func (w *wsStream) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.wmu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.wmu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// WebsocketHandler upgrades agent connections and runs a session on each.
// readTimeout bounds the wait for the next message, normally the agent
// silence timeout.
func (h *Handler) WebsocketHandler(readTimeout time.Duration) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		stream := newWSStream(conn, readTimeout, defaultWriteTimeout)

		ctx, cancel := context.WithCancel(context.WithValue(r.Context(), peerKey{}, r.RemoteAddr))
		defer cancel()
		go func() {
			<-ctx.Done()
			_ = stream.Close()
		}()

		if err := h.Serve(ctx, stream, "websocket"); err != nil && !isCloseError(err) {
			h.logger.Debug("websocket session ended", "remote", r.RemoteAddr, "error", err)
		}
	})
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// DialWebsocket connects to the server's websocket endpoint, for example
// ws://host:8080/agent/ws. tlsCfg applies to wss:// URLs and may be nil.
func DialWebsocket(ctx context.Context, url string, header http.Header, tlsCfg *tls.Config) (Stream, error) {
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsCfg
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return newWSStream(conn, 0, defaultWriteTimeout), nil
}
