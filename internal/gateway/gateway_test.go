package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/fanout"
	"github.com/matheus3301/chatd/internal/identity"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/registry"
)

// pipeConn is an in-memory Conn. The test writes client frames to in and
// reads server frames from out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- frame
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Error   *api.ErrorBody  `json:"error"`
}

func (c *pipeConn) send(t *testing.T, typ, id string, payload any) {
	t.Helper()
	req := map[string]any{"type": typ, "id": id}
	if payload != nil {
		req["payload"] = payload
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func (c *pipeConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case data := <-c.out:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad server frame %s: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server frame")
	}
	return frame{}
}

func (c *pipeConn) expect(t *testing.T, typ, id string) frame {
	t.Helper()
	f := c.next(t)
	if f.Type != typ || f.ID != id {
		t.Fatalf("got frame %+v, want %s/%s", f, typ, id)
	}
	return f
}

type harness struct {
	gw      *Gateway
	tokens  *auth.TokenService
	tracker *presence.Tracker
	bus     *bus.Bus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	b := bus.New()
	users := identity.NewStore(b, nil)
	log := msglog.New(b, nil)
	chats := registry.New(users, log, b, nil)
	tracker := presence.NewTracker(time.Minute, b, nil)
	engine := fanout.NewEngine(log, tracker, b, nil)
	engine.Start()
	t.Cleanup(engine.Stop)

	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	handler := api.NewHandler(users, chats, log, engine, tracker, nil)
	return &harness{
		gw:      New(cfg, tokens, users, handler, engine, tracker, b, nil),
		tokens:  tokens,
		tracker: tracker,
		bus:     b,
	}
}

func (h *harness) token(t *testing.T, user domain.UserID) string {
	t.Helper()
	tok, err := h.tokens.Mint(user)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// serve starts a session on a new pipe. The returned channel yields
// Serve's result.
func (h *harness) serve(token string) (*pipeConn, <-chan error) {
	c := newPipeConn()
	done := make(chan error, 1)
	go func() { done <- h.gw.Serve(context.Background(), c, token) }()
	return c, done
}

func (h *harness) connect(t *testing.T, user domain.UserID) (*pipeConn, <-chan error) {
	t.Helper()
	c, done := h.serve(h.token(t, user))
	c.expect(t, api.FrameReply, "")
	c.send(t, api.VerbRegister, "reg", map[string]string{"first_name": string(user), "email": string(user) + "@example.com"})
	c.expect(t, api.FrameReply, "reg")
	return c, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func TestAuthFrameHandshake(t *testing.T) {
	h := newHarness(t, Config{})
	c, done := h.serve("")

	c.send(t, api.VerbAuth, "a1", map[string]string{"token": h.token(t, "alice")})
	f := c.expect(t, api.FrameReply, "a1")
	var reply api.AuthReply
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.UserID != "alice" || reply.Registered || reply.SessionID == "" {
		t.Fatalf("auth reply = %+v", reply)
	}
	if !h.tracker.Record("alice").Online {
		t.Error("alice should be online while connected")
	}

	c.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Serve = %v, want nil on client close", err)
	}
	if h.tracker.Record("alice").Online {
		t.Error("alice should be offline after disconnect")
	}
	if h.gw.Sessions() != 0 {
		t.Errorf("sessions = %d, want 0", h.gw.Sessions())
	}
}

func TestAuthFailures(t *testing.T) {
	tests := []struct {
		name  string
		token string
		frame func(t *testing.T, h *harness, c *pipeConn)
		want  error
	}{
		{
			name:  "bad header token",
			token: "garbage",
			want:  domain.ErrAuthInvalid,
		},
		{
			name: "bad frame token",
			frame: func(t *testing.T, h *harness, c *pipeConn) {
				c.send(t, api.VerbAuth, "a1", map[string]string{"token": "garbage"})
			},
			want: domain.ErrAuthInvalid,
		},
		{
			name: "first frame is not auth",
			frame: func(t *testing.T, h *harness, c *pipeConn) {
				c.send(t, api.VerbListChats, "x", nil)
			},
			want: domain.ErrAuthInvalid,
		},
		{
			name:  "no frame",
			frame: func(*testing.T, *harness, *pipeConn) {},
			want:  domain.ErrAuthTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{AuthTimeout: 50 * time.Millisecond})
			c, done := h.serve(tt.token)
			if tt.frame != nil {
				tt.frame(t, h, c)
			}
			f := c.next(t)
			if f.Type != api.FrameError || f.Error == nil {
				t.Fatalf("got %+v, want error frame", f)
			}
			if want := tt.want.(*domain.Error).Code; f.Error.Code != want {
				t.Errorf("code = %s, want %s", f.Error.Code, want)
			}
			if err := wait(t, done); !errors.Is(err, tt.want) {
				t.Errorf("Serve = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestErrorsKeepConnection(t *testing.T) {
	h := newHarness(t, Config{})
	c, done := h.serve(h.token(t, "alice"))
	c.expect(t, api.FrameReply, "")

	c.send(t, api.VerbListChats, "1", nil)
	f := c.expect(t, api.FrameError, "1")
	if f.Error.Code != "UserNotFound" {
		t.Errorf("code = %s, want UserNotFound", f.Error.Code)
	}
	c.send(t, api.VerbHeartbeat, "2", nil)
	c.expect(t, api.FrameReply, "2")

	c.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestProtocolAbuseCloses(t *testing.T) {
	var mu sync.Mutex
	var observed []string
	h := newHarness(t, Config{AbuseThreshold: 3, OnError: func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := domain.AsError(err); ok {
			observed = append(observed, e.Code)
		}
	}})
	c, done := h.connect(t, "alice")

	for i := 0; i < 2; i++ {
		c.in <- []byte("{not json")
		if f := c.next(t); f.Error == nil || f.Error.Code != "BadRequest" {
			t.Fatalf("frame %d = %+v, want BadRequest", i, f)
		}
	}
	c.send(t, "no_such_verb", "3", nil)
	if f := c.next(t); f.Error == nil || f.Error.Code != "ProtocolAbuse" {
		t.Fatalf("got %+v, want ProtocolAbuse", f)
	}
	if err := wait(t, done); !errors.Is(err, domain.ErrProtocolAbuse) {
		t.Fatalf("Serve = %v, want ProtocolAbuse", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 3 || observed[2] != "ProtocolAbuse" {
		t.Errorf("observed = %v", observed)
	}
}

func TestInvalidInputKeepsConnection(t *testing.T) {
	h := newHarness(t, Config{AbuseThreshold: 2})
	c, done := h.connect(t, "alice")

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("bad-%d", i)
		c.send(t, api.VerbUpdateProfile, id, map[string]string{"first_name": "Alice", "email": "not-an-email"})
		f := c.expect(t, api.FrameError, id)
		if f.Error.Code != "InvalidInput" || f.Error.Kind != "validation" {
			t.Fatalf("error = %+v, want validation InvalidInput", f.Error)
		}
	}
	c.send(t, api.VerbHeartbeat, "ok", nil)
	c.expect(t, api.FrameReply, "ok")

	c.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("Serve = %v, want clean close", err)
	}
}

func TestRateLimitCountsAsViolation(t *testing.T) {
	h := newHarness(t, Config{RatePerSecond: 0.001, RateBurst: 1})
	c, done := h.serve(h.token(t, "alice"))
	c.expect(t, api.FrameReply, "")

	c.send(t, api.VerbHeartbeat, "1", nil)
	c.expect(t, api.FrameReply, "1")
	c.send(t, api.VerbHeartbeat, "2", nil)
	if f := c.expect(t, api.FrameError, "2"); f.Error.Code != "BadRequest" {
		t.Errorf("code = %s, want BadRequest", f.Error.Code)
	}
	c.Close()
	wait(t, done)
}

func TestMessagesFlowBetweenSessions(t *testing.T) {
	h := newHarness(t, Config{})
	alice, aliceDone := h.connect(t, "alice")
	bob, bobDone := h.connect(t, "bob")

	alice.send(t, api.VerbCreateChat, "c", map[string]any{"participants": []string{"alice", "bob"}})
	var chat domain.Chat
	if err := json.Unmarshal(alice.expect(t, api.FrameReply, "c").Payload, &chat); err != nil {
		t.Fatal(err)
	}

	bob.send(t, api.VerbSubscribe, "s", map[string]any{"chat_id": chat.ID})
	bob.expect(t, api.FrameReply, "s")

	alice.send(t, api.VerbSendMessage, "m", map[string]any{"chat_id": chat.ID, "body": "hello bob"})
	alice.expect(t, api.FrameReply, "m")

	f := bob.expect(t, api.FrameMessage, "")
	var m domain.Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		t.Fatal(err)
	}
	if m.Body != "hello bob" || m.Sender != "alice" {
		t.Errorf("bob received %+v", m)
	}

	alice.Close()
	bob.Close()
	wait(t, aliceDone)
	wait(t, bobDone)
}

func TestShutdownEndsSessions(t *testing.T) {
	h := newHarness(t, Config{})
	events, unsub := h.bus.Subscribe("session.", 8)
	defer unsub()

	_, done := h.connect(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("Serve = %v, want nil on shutdown", err)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatalf("session events = %v", kinds)
		}
	}
	if kinds[0] != bus.SessionOpened || kinds[1] != bus.SessionClosed {
		t.Errorf("session events = %v", kinds)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "", true},
		{nil, "https://evil.example", false},
		{[]string{"*"}, "https://any.example", true},
		{[]string{"https://app.example"}, "https://app.example", true},
		{[]string{"https://app.example"}, "https://APP.example/path", true},
		{[]string{"https://app.example"}, "http://app.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(tt.allowed)(r); got != tt.want {
			t.Errorf("checkOrigin(%v)(%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("no header: %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc")
	if got := bearerToken(r); got != "abc" {
		t.Errorf("authorization header: %q", got)
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, xyz")
	if got := bearerToken(r); got != "xyz" {
		t.Errorf("subprotocol: %q", got)
	}
}
