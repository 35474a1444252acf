package metrics

import (
	"context"
	"sync"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/fanout"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chatd"

// StatsSource exposes fan-out counters.
type StatsSource interface {
	Stats() fanout.Stats
}

// Metrics holds the daemon's Prometheus collectors. Domain counters are fed
// from bus events; fan-out figures are read from the engine on scrape.
type Metrics struct {
	Registry *prometheus.Registry

	messages *prometheus.CounterVec
	reads    prometheus.Counter
	presence *prometheus.CounterVec
	chats    prometheus.Counter
	users    prometheus.Counter
	sessions prometheus.Gauge
	opened   prometheus.Counter
	errors   *prometheus.CounterVec

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and registers every collector. stats may be nil.
func New(stats StatsSource) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_appended_total",
			Help: "Messages appended to chat logs, by message type.",
		}, []string{"type"}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mark_read_total",
			Help: "markRead calls that changed read state.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_transitions_total",
			Help: "Presence state transitions, by target state.",
		}, []string{"state"}),
		chats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "chats_created_total",
			Help: "Chats created.",
		}),
		users: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "users_registered_total",
			Help: "Users registered.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Authenticated sessions currently open.",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Authenticated sessions opened.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_errors_total",
			Help: "Errors reported to clients, by kind and code.",
		}, []string{"kind", "code"}),
	}
	m.Registry.MustRegister(
		m.messages, m.reads, m.presence, m.chats, m.users, m.sessions, m.opened, m.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		m.registerFanout(stats)
	}
	return m
}

func (m *Metrics) registerFanout(src StatsSource) {
	counter := func(name, help string, fn func(fanout.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "fanout", Name: name, Help: help},
			func() float64 { return float64(fn(src.Stats())) })
	}
	gauge := func(name, help string, fn func(fanout.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "fanout", Name: name, Help: help},
			func() float64 { return float64(fn(src.Stats())) })
	}
	m.Registry.MustRegister(
		counter("delivered_total", "Deliveries enqueued to sessions.", func(s fanout.Stats) uint64 { return s.Delivered }),
		counter("replayed_total", "Messages delivered by replay.", func(s fanout.Stats) uint64 { return s.Replayed }),
		counter("deduplicated_total", "Messages skipped as already delivered.", func(s fanout.Stats) uint64 { return s.Deduplicated }),
		counter("overflows_total", "Session queues closed on overflow.", func(s fanout.Stats) uint64 { return s.Overflows }),
		gauge("sessions", "Sessions registered with the engine.", func(s fanout.Stats) int { return s.Sessions }),
		gauge("subscriptions", "Chat subscriptions across sessions.", func(s fanout.Stats) int { return s.Subscriptions }),
	)
}

// Start consumes bus events until Stop or ctx cancellation.
func (m *Metrics) Start(ctx context.Context, b *bus.Bus) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := b.Subscribe("", 1024)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.Observe(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops consuming events.
func (m *Metrics) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// Observe updates the counters for one bus event.
func (m *Metrics) Observe(evt bus.Event) {
	switch evt.Kind {
	case bus.MessageAppended:
		if a, ok := evt.Payload.(msglog.Appended); ok {
			m.messages.WithLabelValues(string(a.Message.Type)).Inc()
		}
	case bus.MessageRead:
		m.reads.Inc()
	case bus.PresenceChanged:
		if rec, ok := evt.Payload.(domain.PresenceRecord); ok {
			state := "offline"
			if rec.Online {
				state = "online"
			}
			m.presence.WithLabelValues(state).Inc()
		}
	case bus.ChatCreated:
		m.chats.Inc()
	case bus.UserRegistered:
		m.users.Inc()
	case bus.SessionOpened:
		m.opened.Inc()
		m.sessions.Inc()
	case bus.SessionClosed:
		m.sessions.Dec()
	}
}

// ObserveError counts an error sent to a client.
func (m *Metrics) ObserveError(err error) {
	if err == nil {
		return
	}
	code := "Internal"
	if e, ok := domain.AsError(err); ok {
		code = e.Code
	}
	m.errors.WithLabelValues(domain.KindOf(err).String(), code).Inc()
}
