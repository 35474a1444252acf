package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/control"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/instance"
	"github.com/matheus3301/chatd/internal/lock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// testHome points CHATD_HOME at a short path to stay under the 104-char
// Unix socket limit on macOS.
func testHome(t *testing.T) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "chatd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("CHATD_HOME", tmpDir)
}

func testConfig(driver string) *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Store.Driver = driver
	cfg.Store.CheckpointInterval = time.Hour
	cfg.Log.Level = "error"
	return cfg
}

type running struct {
	app    *fxtest.App
	http   *HTTPServer
	tokens *auth.TokenService
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	r := &running{}
	r.app = fxtest.New(t,
		Module(Params{Instance: "test", Config: cfg}),
		fx.Populate(&r.http, &r.tokens),
	)
	r.app.RequireStart()
	return r
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Error   *api.ErrorBody  `json:"error"`
}

func dial(t *testing.T, r *running, user string) *websocket.Conn {
	t.Helper()
	tok, err := r.tokens.Mint(domain.UserID(user))
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{"Authorization": {"Bearer " + tok}}
	c, _, err := websocket.DefaultDialer.Dial("ws://"+r.http.Addr()+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func authReply(t *testing.T, c *websocket.Conn) api.AuthReply {
	t.Helper()
	f := readFrame(t, c)
	if f.Type != api.FrameReply {
		t.Fatalf("first frame = %+v, want auth reply", f)
	}
	var reply api.AuthReply
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func checkHealth(t *testing.T, want bool) {
	t.Helper()
	c, err := control.New(instance.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serving, err := c.Serving(ctx)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if serving != want {
		t.Errorf("serving = %v, want %v", serving, want)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	for _, driver := range []string{"sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			testHome(t)
			cfg := testConfig(driver)

			r := start(t, cfg)
			checkHealth(t, true)

			resp, err := http.Get("http://" + r.http.Addr() + "/healthz")
			if err != nil {
				t.Fatal(err)
			}
			var health struct {
				State    string `json:"state"`
				Sessions int    `json:"sessions"`
			}
			err = json.NewDecoder(resp.Body).Decode(&health)
			_ = resp.Body.Close()
			if err != nil || resp.StatusCode != http.StatusOK || health.State != "SERVING" {
				t.Errorf("/healthz = %d %+v (%v)", resp.StatusCode, health, err)
			}

			c := dial(t, r, "alice")
			if reply := authReply(t, c); reply.Registered {
				t.Error("fresh instance reports alice registered")
			}
			req := map[string]any{
				"type": api.VerbRegister, "id": "r1",
				"payload": map[string]string{"first_name": "Alice", "email": "alice@example.com"},
			}
			if err := c.WriteJSON(req); err != nil {
				t.Fatal(err)
			}
			if f := readFrame(t, c); f.Type != api.FrameReply || f.ID != "r1" {
				t.Fatalf("register = %+v", f)
			}

			resp, err = http.Get("http://" + r.http.Addr() + "/metrics")
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("/metrics status = %d", resp.StatusCode)
			}

			// Stopping writes the final checkpoint.
			r.app.RequireStop()
			if pid, _ := lock.Holder(instance.Dir("test")); pid != 0 {
				t.Errorf("lock still held by %d after stop", pid)
			}

			r = start(t, cfg)
			defer r.app.RequireStop()
			c = dial(t, r, "alice")
			if reply := authReply(t, c); !reply.Registered {
				t.Error("registration lost across restart")
			}
		})
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	testHome(t)
	cfg := testConfig("sqlite")
	r := start(t, cfg)
	defer r.app.RequireStop()

	app := fx.New(Module(Params{Instance: "test", Config: cfg}), fx.NopLogger)
	var held *lock.LockHeldError
	if !errors.As(app.Err(), &held) {
		t.Fatalf("Err() = %v, want LockHeldError", app.Err())
	}
	// The running daemon's socket must survive the failed attempt.
	checkHealth(t, true)
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	testHome(t)
	if err := fx.ValidateApp(Module(Params{Instance: "test", Config: testConfig("sqlite")})); err != nil {
		t.Fatal(err)
	}
	if err := fx.New(Module(Params{Instance: "test"}), fx.NopLogger).Err(); err == nil {
		t.Error("expected error without configuration")
	}
}

func TestServerSocketOverride(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "chatd-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	srv, err := NewServer(Params{Instance: "fxtest", SocketPath: socketPath}, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %o, want 0600", info.Mode().Perm())
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}
