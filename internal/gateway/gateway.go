package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/fanout"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	DefaultAuthTimeout    = 10 * time.Second
	DefaultAbuseThreshold = 5
	errorWriteTimeout     = 2 * time.Second
)

// Conn is a client connection that carries whole frames.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Dispatcher executes one client request.
type Dispatcher interface {
	Dispatch(ctx context.Context, s api.Session, req api.Request) (any, error)
}

// Directory reports whether a user is registered.
type Directory interface {
	Get(id domain.UserID) (domain.User, error)
}

// Config tunes session handling.
type Config struct {
	AuthTimeout    time.Duration
	AbuseThreshold int
	QueueSize      int
	OverflowPolicy outbox.Policy
	RatePerSecond  float64
	RateBurst      int
	// OnError, if set, sees every error reported to a client.
	OnError func(error)
}

// SessionInfo is the payload of session.opened and session.closed.
type SessionInfo struct {
	ID   domain.SessionID
	User domain.UserID
}

type session struct {
	api.Session
	conn       Conn
	queue      *outbox.Queue
	sender     *outbox.Sender
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	err        error
	violations int
}

// Gateway authenticates connections and runs one session per connection.
type Gateway struct {
	cfg      Config
	verifier auth.Verifier
	users    Directory
	handler  Dispatcher
	engine   *fanout.Engine
	presence *presence.Tracker
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	logger   *zap.Logger

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[domain.SessionID]*session
}

// New creates a gateway.
func New(cfg Config, verifier auth.Verifier, users Directory, handler Dispatcher, engine *fanout.Engine, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.AbuseThreshold <= 0 {
		cfg.AbuseThreshold = DefaultAbuseThreshold
	}
	base, stop := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		users:    users,
		handler:  handler,
		engine:   engine,
		presence: tracker,
		bus:      b,
		limiter:  ratelimit.New(cfg.RatePerSecond, cfg.RateBurst, 0),
		logger:   logger,
		base:     base,
		stop:     stop,
		active:   make(map[domain.SessionID]*session),
	}
}

// Serve runs a session on conn until the client leaves, a terminal error
// occurs, ctx is cancelled or the gateway shuts down. token is a credential
// taken from the transport handshake; when empty the first frame must be an
// auth request. Serve closes conn and returns the terminal error, if any.
func (g *Gateway) Serve(ctx context.Context, conn Conn, token string) error {
	g.wg.Add(1)
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(g.base, cancel)
	defer release()

	user, reqID, err := g.authenticate(ctx, conn, token)
	if err != nil {
		g.observe(err)
		g.logger.Info("authentication failed", zap.Error(err))
		g.writeError(conn, reqID, err)
		_ = conn.Close()
		return err
	}

	s := g.open(ctx, conn, user, reqID)
	defer g.teardown(s)

	go func() {
		select {
		case <-s.queue.Done():
			g.shutdown(s, s.queue.Err())
		case <-s.ctx.Done():
			g.shutdown(s, nil)
		}
	}()

	g.shutdown(s, g.readLoop(s))
	return s.err
}

func (g *Gateway) authenticate(ctx context.Context, conn Conn, token string) (domain.UserID, string, error) {
	var reqID string
	if token == "" {
		actx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
		defer cancel()
		data, err := conn.ReadFrame(actx)
		if err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return "", "", domain.Errorf(domain.ErrAuthTimeout, "no auth frame within %s", g.cfg.AuthTimeout)
			}
			return "", "", domain.Errorf(domain.ErrAuthInvalid, "read auth frame: %v", err)
		}
		req, err := api.Decode(data)
		if err != nil {
			return "", "", domain.Errorf(domain.ErrAuthInvalid, "malformed auth frame")
		}
		reqID = req.ID
		if token, err = api.AuthToken(req); err != nil {
			return "", reqID, err
		}
	}
	user, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return "", reqID, err
	}
	return user, reqID, nil
}

func (g *Gateway) open(ctx context.Context, conn Conn, user domain.UserID, reqID string) *session {
	s := &session{
		Session: api.Session{ID: domain.SessionID(uuid.NewString()), User: user},
		conn:    conn,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := g.logger.With(zap.String("session_id", string(s.ID)), zap.String("user_id", string(user)))

	s.queue = outbox.NewQueue(g.cfg.QueueSize, g.cfg.OverflowPolicy, func(d outbox.Delivery) {
		logger.Debug("dropped delivery", zap.String("kind", string(d.Kind)))
	})
	_, err := g.users.Get(user)
	_ = s.queue.Push(api.Reply(reqID, api.AuthReply{SessionID: s.ID, UserID: user, Registered: err == nil}))

	// Registration cannot fail for a fresh id.
	_ = g.engine.Register(s.ID, user, s.queue)
	g.presence.Attach(user)

	g.mu.Lock()
	g.active[s.ID] = s
	g.mu.Unlock()

	s.sender = outbox.NewSender(s.queue, api.Encode, conn, logger)
	s.sender.Start(s.ctx)

	g.bus.Publish(bus.Event{Kind: bus.SessionOpened, Timestamp: time.Now(), Payload: SessionInfo(s.Session)})
	logger.Info("session opened")
	return s
}

// readLoop returns the error that ends the session, nil for an ordinary close.
func (g *Gateway) readLoop(s *session) error {
	for {
		data, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			if qerr := s.queue.Err(); qerr != nil && !errors.Is(qerr, outbox.ErrClosed) {
				return qerr
			}
			return nil
		}
		if err := g.handle(s, data); err != nil {
			return err
		}
	}
}

// handle processes one frame. It returns an error only when the session
// must end.
func (g *Gateway) handle(s *session, data []byte) error {
	req, err := api.Decode(data)
	if err == nil && !g.limiter.Allow(string(s.ID), time.Now()) {
		err = domain.Errorf(domain.ErrBadRequest, "rate limit exceeded")
	}
	var out any
	if err == nil {
		out, err = g.handler.Dispatch(s.ctx, s.Session, req)
	}
	if err == nil {
		if perr := s.queue.Push(api.Reply(req.ID, out)); perr != nil {
			return perr
		}
		return nil
	}

	if errors.Is(err, domain.ErrBadRequest) {
		s.violations++
		if s.violations >= g.cfg.AbuseThreshold {
			err = domain.Errorf(domain.ErrProtocolAbuse, "%d protocol violations", s.violations)
		}
	}
	if domain.Terminal(err) {
		return err
	}
	g.observe(err)
	if domain.KindOf(err) == domain.KindInternal {
		g.logger.Error("request failed", zap.String("session_id", string(s.ID)), zap.String("type", req.Type), zap.Error(err))
	}
	return s.queue.Push(api.Failure(req.ID, err))
}

// shutdown ends s once. A non-nil err is written to the client before the
// connection closes.
func (g *Gateway) shutdown(s *session, err error) {
	s.once.Do(func() {
		if errors.Is(err, outbox.ErrClosed) {
			err = nil
		}
		s.err = err
		s.queue.Close(err)
		s.sender.Stop()
		if err != nil {
			g.observe(err)
			g.writeError(s.conn, "", err)
		}
		s.cancel()
		_ = s.conn.Close()
	})
}

func (g *Gateway) teardown(s *session) {
	g.engine.Unregister(s.ID)
	g.presence.Detach(s.User)
	g.limiter.Forget(string(s.ID))

	g.mu.Lock()
	delete(g.active, s.ID)
	g.mu.Unlock()

	g.bus.Publish(bus.Event{Kind: bus.SessionClosed, Timestamp: time.Now(), Payload: SessionInfo(s.Session)})
	fields := []zap.Field{zap.String("session_id", string(s.ID)), zap.String("user_id", string(s.User)), zap.Int("sent", s.sender.Sent())}
	if s.err != nil {
		g.logger.Warn("session terminated", append(fields, zap.Error(s.err))...)
		return
	}
	g.logger.Info("session closed", fields...)
}

func (g *Gateway) writeError(conn Conn, reqID string, err error) {
	frame, encErr := api.Encode(api.Failure(reqID, err))
	if encErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), errorWriteTimeout)
	defer cancel()
	_ = conn.WriteFrame(ctx, frame)
}

func (g *Gateway) observe(err error) {
	if g.cfg.OnError != nil {
		g.cfg.OnError(err)
	}
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Shutdown ends every session and waits for them to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stop()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
