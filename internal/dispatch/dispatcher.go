package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
)

// Dispatcher fans each produced message out to every session subscribed to
// its (symbol, kind). Enqueueing never blocks; sessions whose sustained
// drop rate exceeds the policy are disconnected to protect the rest of the
// system.
type Dispatcher struct {
	registry *Registry
	stats    *metrics.Pipeline
	logger   *slog.Logger

	// onKick tears down the session's transport. Set by the streaming
	// server before traffic flows.
	onKick func(*Session)
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, stats *metrics.Pipeline, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		stats:    stats,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// OnKick registers the forced-disconnect callback.
func (d *Dispatcher) OnKick(fn func(*Session)) { d.onKick = fn }

// Registry exposes the subscription table for the streaming server.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// PublishTick encodes and fans out one accepted tick.
func (d *Dispatcher) PublishTick(t domain.Tick) {
	d.publish(domain.KindTick, t.Symbol, t)
}

// PublishCandle fans out one closed (or corrected) candle.
func (d *Dispatcher) PublishCandle(c domain.Candle) {
	d.publish(domain.KindKline, c.Symbol, c)
}

// PublishDepth fans out an order-book snapshot.
func (d *Dispatcher) PublishDepth(snap domain.DepthSnapshot) {
	d.publish(domain.KindDepth, snap.Symbol, snap)
}

func (d *Dispatcher) publish(kind domain.Kind, symbol string, payload any) {
	sessions := d.registry.Sessions(symbol, kind)
	if len(sessions) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode payload failed",
			slog.String("kind", string(kind)),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	frame, err := json.Marshal(domain.Envelope{Type: kind, Symbol: symbol, Payload: body})
	if err != nil {
		return
	}

	msg := domain.Message{Kind: kind, Symbol: symbol, Payload: frame}
	for _, s := range sessions {
		before := s.Drops()
		s.Enqueue(msg)
		if dropped := s.Drops() - before; dropped > 0 {
			d.stats.QueueDrops.Add(dropped)
		}
		if s.DropRateExceeded() {
			d.kick(s)
		}
	}
}

// SendPong enqueues a heartbeat response directly to one session, bypassing
// the subscription table and the drop policy.
func (d *Dispatcher) SendPong(s *Session) {
	s.Heartbeat()
	frame, _ := json.Marshal(domain.Envelope{Type: domain.KindPong})
	s.Enqueue(domain.Message{Kind: domain.KindPong, Payload: frame})
}

// SendError enqueues an error frame to one session.
func (d *Dispatcher) SendError(s *Session, msg string) {
	frame, err := json.Marshal(domain.Envelope{Type: domain.KindError, Error: msg})
	if err != nil {
		return
	}
	s.Enqueue(domain.Message{Kind: domain.KindError, Payload: frame})
}

// Disconnect removes the session from the registry and closes its queue.
func (d *Dispatcher) Disconnect(s *Session) {
	d.registry.RemoveSession(s)
	s.Close()
}

func (d *Dispatcher) kick(s *Session) {
	if s.Closed() {
		return
	}
	d.stats.ForcedKicks.Add(1)
	d.logger.Warn("disconnecting slow client",
		slog.String("session_id", s.ID),
		slog.Uint64("total_drops", s.Drops()),
	)
	d.Disconnect(s)
	if d.onKick != nil {
		d.onKick(s)
	}
}
