package outbox

import (
	"context"
	"errors"

	"github.com/matheus3301/chatd/internal/domain"
	"go.uber.org/zap"
)

// Writer writes one encoded frame to a session's transport.
type Writer interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Encoder turns a delivery into a wire frame.
type Encoder func(Delivery) ([]byte, error)

// Sender drains a session's queue into its transport.
type Sender struct {
	queue  *Queue
	encode Encoder
	w      Writer
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	sent   int
}

// NewSender creates a sender for one session.
func NewSender(q *Queue, encode Encoder, w Writer, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:  q,
		encode: encode,
		w:      w,
		logger: logger,
	}
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit. Pending deliveries
// stay in the queue.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Sent returns how many frames were written. Valid after Stop.
func (s *Sender) Sent() int {
	return s.sent
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)

	for {
		d, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				s.logger.Debug("outbound queue closed", zap.Error(err))
			}
			return
		}

		frame, err := s.encode(d)
		if err != nil {
			// A delivery that cannot be encoded is skipped, the session lives on.
			s.logger.Error("failed to encode delivery", zap.Error(err), zap.String("kind", string(d.Kind)))
			continue
		}
		if err := s.w.WriteFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to write frame", zap.Error(err))
			s.queue.Close(domain.Errorf(domain.ErrDeliveryFailed, "%v", err))
			return
		}
		s.sent++
	}
}
