package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
	"github.com/mkarlsen/marketpipe/internal/metrics"
)

// MarketDataService is what the market-data handler needs from the pipeline:
// cached reads, never the write path. Declared locally so the handler package
// does not depend on the concrete pipeline implementation.
type MarketDataService interface {
	Recent(ctx context.Context, symbol string, n int) []domain.Tick
	Depth(ctx context.Context, symbol string) (domain.DepthSnapshot, bool)
}

// MarketDataHandler serves tick, depth, candle, and stats endpoints.
type MarketDataHandler struct {
	data    MarketDataService
	candles domain.CandleStore
	stats   *metrics.Pipeline
	logger  *slog.Logger
}

// NewMarketDataHandler creates a MarketDataHandler. candles may be nil when
// persistence is disabled; the candles endpoint then returns 503.
func NewMarketDataHandler(data MarketDataService, candles domain.CandleStore, stats *metrics.Pipeline, logger *slog.Logger) *MarketDataHandler {
	return &MarketDataHandler{
		data:    data,
		candles: candles,
		stats:   stats,
		logger:  logger,
	}
}

// listTicksResponse wraps the tick list endpoint output.
type listTicksResponse struct {
	Symbol string        `json:"symbol"`
	Ticks  []domain.Tick `json:"ticks"`
	Count  int           `json:"count"`
}

// ListTicks returns the most recent cached ticks for a symbol.
// GET /api/ticks/{symbol}?limit=100
func (h *MarketDataHandler) ListTicks(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	limit := parseLimit(r, 100, 500)

	ticks := h.data.Recent(r.Context(), symbol, limit)
	if ticks == nil {
		writeError(w, http.StatusNotFound, "symbol not found")
		return
	}

	writeJSON(w, http.StatusOK, listTicksResponse{
		Symbol: symbol,
		Ticks:  ticks,
		Count:  len(ticks),
	})
}

// GetDepth returns the last-known order book snapshot for a symbol.
// GET /api/depth/{symbol}
func (h *MarketDataHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	snap, ok := h.data.Depth(r.Context(), symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no depth for symbol")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listCandlesResponse wraps the candle range endpoint output.
type listCandlesResponse struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Candles  []domain.Candle `json:"candles"`
	Count    int             `json:"count"`
}

// ListCandles returns persisted candles for a symbol and interval.
// GET /api/candles/{symbol}?interval=1m&since=...&until=...&limit=500
func (h *MarketDataHandler) ListCandles(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	if h.candles == nil {
		writeError(w, http.StatusServiceUnavailable, "candle persistence disabled")
		return
	}

	interval, ok := parseInterval(r, time.Minute)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid interval")
		return
	}
	now := time.Now().UTC()
	since := parseTime(r, "since", now.Add(-24*time.Hour))
	until := parseTime(r, "until", now)
	limit := parseLimit(r, 500, 5000)

	candles, err := h.candles.Range(r.Context(), symbol, interval, since, until, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list candles failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list candles")
		return
	}

	writeJSON(w, http.StatusOK, listCandlesResponse{
		Symbol:   symbol,
		Interval: interval.String(),
		Candles:  candles,
		Count:    len(candles),
	})
}

// GetStats returns a snapshot of the pipeline counters.
// GET /api/stats
func (h *MarketDataHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}
