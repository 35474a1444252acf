package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/api"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla websocket connection to Conn.
type wsConn struct {
	c         *websocket.Conn
	closeOnce sync.Once
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := w.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}

func normalizeOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), any origin when "*" is configured, and listed origins otherwise.
func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[u.Scheme+"://"+u.Host]
		return ok
	}
}

// bearerToken returns the token from the Authorization header or from a
// "bearer, <token>" Sec-WebSocket-Protocol pair. Empty means the client
// authenticates with an auth frame.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	parts := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	if len(parts) >= 2 && strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Handler returns the HTTP handler that upgrades /ws requests and serves
// a session on each connection.
func (g *Gateway) Handler(allowedOrigins []string) http.HandlerFunc {
	check := checkOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin:  check,
		Subprotocols: []string{"bearer"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !check(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		token := bearerToken(r)

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		// Oversized frames within twice the limit are answered with
		// BadRequest; anything larger breaks the connection.
		c.SetReadLimit(2 * api.MaxFrameBytes)

		_ = g.Serve(r.Context(), &wsConn{c: c}, token)
	}
}
