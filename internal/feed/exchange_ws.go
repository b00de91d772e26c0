// Package feed contains the upstream adapters that turn exchange transports
// into the gateway's FeedEvent stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// ExchangeWSConfig configures one exchange WebSocket adapter.
type ExchangeWSConfig struct {
	Name    string
	URL     string
	Symbols []string
}

// subscribeCommand is the wire command sent after connecting.
type subscribeCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// ExchangeWS connects to an exchange market-data WebSocket, subscribes to
// the configured symbols, and pushes each frame into the gateway's event
// channel. It reconnects with exponential backoff and reports liveness
// transitions so recovery can reconcile the outage window.
type ExchangeWS struct {
	cfg    ExchangeWSConfig
	logger *slog.Logger
}

// NewExchangeWS creates an adapter for the given endpoint and symbols.
func NewExchangeWS(cfg ExchangeWSConfig, logger *slog.Logger) *ExchangeWS {
	if cfg.Name == "" {
		cfg.Name = "exchange_ws"
	}
	return &ExchangeWS{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "exchange_ws"), slog.String("source", cfg.Name)),
	}
}

// Name identifies this adapter in feed events and gap reports.
func (f *ExchangeWS) Name() string { return f.cfg.Name }

// Run connects, subscribes, and streams frames until ctx is cancelled.
// Every disconnect emits FeedDisconnected, every successful reconnect
// FeedReconnected, so downstream consumers see the outage window.
func (f *ExchangeWS) Run(ctx context.Context, out chan<- domain.FeedEvent) error {
	if len(f.cfg.Symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	connected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := f.runConnection(ctx, out, connected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		f.emit(ctx, out, domain.FeedEvent{Status: domain.FeedDisconnected, Source: f.cfg.Name})
		connected = true

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection holds one dialed connection. reconnected marks whether this
// is a reconnect attempt rather than the first dial.
func (f *ExchangeWS) runConnection(ctx context.Context, out chan<- domain.FeedEvent, reconnected bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(dialCtx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("subscribed", slog.Int("symbols", len(f.cfg.Symbols)))

	if reconnected {
		f.emit(ctx, out, domain.FeedEvent{Status: domain.FeedReconnected, Source: f.cfg.Name})
	}

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(ctx, conn, pingDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}

		raw, ok := f.parseFrame(message)
		if !ok {
			continue
		}
		f.emit(ctx, out, domain.FeedEvent{Raw: raw, Status: domain.FeedOK, Source: f.cfg.Name})
	}
}

func (f *ExchangeWS) subscribe(conn *websocket.Conn) error {
	cmd := subscribeCommand{Action: "subscribe", Symbols: f.cfg.Symbols}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// pingLoop keeps the connection alive and tears it down on ctx cancellation.
func (f *ExchangeWS) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseFrame decodes one wire frame into a RawEvent. Unparseable frames are
// dropped here; frames that parse but carry bad values are the gateway's
// problem.
func (f *ExchangeWS) parseFrame(message []byte) (*domain.RawEvent, bool) {
	var raw domain.RawEvent
	if err := json.Unmarshal(message, &raw); err != nil {
		f.logger.Debug("dropping unparseable frame", slog.String("error", err.Error()))
		return nil, false
	}
	if raw.Symbol == "" {
		return nil, false
	}
	raw.Source = f.cfg.Name
	return &raw, true
}

func (f *ExchangeWS) emit(ctx context.Context, out chan<- domain.FeedEvent, ev domain.FeedEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
