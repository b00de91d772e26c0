package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/mkarlsen/marketpipe/internal/domain"
)

// SimConfig configures the synthetic feed used in sim mode.
type SimConfig struct {
	Symbols []string
	// Interval between emitted events across all symbols.
	Interval time.Duration
	// StartPrice seeds each symbol's random walk.
	StartPrice float64
	// GapChance is the per-event probability of skipping sequence numbers,
	// exercising gap detection and backfill downstream. Zero disables gaps.
	GapChance float64
	// DepthEvery attaches a book snapshot to every Nth event per symbol.
	// Zero disables depth frames.
	DepthEvery int
	Seed       int64
}

// DefaultSimConfig emits a modest multi-symbol stream with occasional gaps.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Symbols:    []string{"rb2405", "cu2405", "ag2406"},
		Interval:   50 * time.Millisecond,
		StartPrice: 3500,
		GapChance:  0.01,
		DepthEvery: 10,
		Seed:       1,
	}
}

type simSymbol struct {
	price float64
	seq   uint64
	count int
}

// Sim generates a random-walk tick stream without any network dependency.
// Prices follow a bounded walk, sequence numbers are monotonic per symbol,
// and a configurable fraction of events skip sequence numbers so the
// recovery path gets exercised end to end.
type Sim struct {
	cfg    SimConfig
	rng    *rand.Rand
	state  map[string]*simSymbol
	logger *slog.Logger
}

// NewSim creates a synthetic feed source.
func NewSim(cfg SimConfig, logger *slog.Logger) *Sim {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 3500
	}
	state := make(map[string]*simSymbol, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		state[s] = &simSymbol{price: cfg.StartPrice}
	}
	return &Sim{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		state:  state,
		logger: logger.With(slog.String("component", "sim_feed")),
	}
}

// Name identifies this adapter in feed events and gap reports.
func (s *Sim) Name() string { return "sim" }

// Run emits events round-robin across symbols until ctx is cancelled.
func (s *Sim) Run(ctx context.Context, out chan<- domain.FeedEvent) error {
	if len(s.cfg.Symbols) == 0 {
		s.logger.Info("no symbols configured, exiting")
		return nil
	}
	s.logger.Info("sim feed started",
		slog.Int("symbols", len(s.cfg.Symbols)),
		slog.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		symbol := s.cfg.Symbols[i%len(s.cfg.Symbols)]
		i++

		ev := domain.FeedEvent{Raw: s.next(symbol), Status: domain.FeedOK, Source: s.Name()}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// next advances the symbol's walk and builds the wire-shaped event.
func (s *Sim) next(symbol string) *domain.RawEvent {
	st := s.state[symbol]

	// Bounded random walk, step in [-0.2%, +0.2%].
	st.price *= 1 + (s.rng.Float64()-0.5)*0.004
	if st.price < 1 {
		st.price = 1
	}

	st.seq++
	if s.cfg.GapChance > 0 && s.rng.Float64() < s.cfg.GapChance {
		skip := uint64(1 + s.rng.Intn(3))
		s.logger.Debug("injecting sequence gap",
			slog.String("symbol", symbol), slog.Uint64("skipped", skip))
		st.seq += skip
	}
	st.count++

	raw := &domain.RawEvent{
		Source:    s.Name(),
		Symbol:    symbol,
		Price:     strconv.FormatFloat(st.price, 'f', 2, 64),
		Volume:    strconv.Itoa(1 + s.rng.Intn(20)),
		Seq:       st.seq,
		EventTime: time.Now().UnixMilli(),
	}

	if s.cfg.DepthEvery > 0 && st.count%s.cfg.DepthEvery == 0 {
		raw.Bids = s.levels(st.price, -1)
		raw.Asks = s.levels(st.price, +1)
	}
	return raw
}

// levels builds five book levels on one side of the walk price.
func (s *Sim) levels(mid float64, side float64) [][2]string {
	out := make([][2]string, 0, 5)
	for i := 1; i <= 5; i++ {
		price := mid * (1 + side*0.0005*float64(i))
		size := float64(1 + s.rng.Intn(50))
		out = append(out, [2]string{
			strconv.FormatFloat(price, 'f', 2, 64),
			strconv.FormatFloat(size, 'f', 0, 64),
		})
	}
	return out
}
