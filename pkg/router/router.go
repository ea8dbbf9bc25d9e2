package router

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/swapflow/executor/pkg/util"
)

// Quote is one liquidity source's offer for a swap.
type Quote struct {
	Provider  string          `json:"provider"`
	Price     decimal.Decimal `json:"price"`
	AmountOut decimal.Decimal `json:"amountOut"`
	FeeRate   decimal.Decimal `json:"feeRate"`
}

// Net is the output after the source's fee.
func (q Quote) Net() decimal.Decimal {
	return q.AmountOut.Mul(decimal.NewFromInt(1).Sub(q.FeeRate))
}

// SwapResult is a settled swap.
type SwapResult struct {
	TxHash string          `json:"txHash"`
	Price  decimal.Decimal `json:"price"`
}

// SlippageError is returned when the realized price drifts too far from the
// quote. It is a final business outcome and must not be retried.
type SlippageError struct {
	Slippage decimal.Decimal // fraction, 0.0123 = 1.23%
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("Slippage exceeded: %s%%", e.Slippage.Mul(decimal.NewFromInt(100)).StringFixed(2))
}

// Source is a simulated liquidity venue. Its price is
// base * (Low + r*Spread) for a uniform r.
type Source struct {
	Name    string
	Low     float64
	Spread  float64
	FeeRate decimal.Decimal
}

var (
	Raydium = Source{Name: "Raydium", Low: 0.98, Spread: 0.04, FeeRate: decimal.RequireFromString("0.003")}
	Meteora = Source{Name: "Meteora", Low: 0.97, Spread: 0.05, FeeRate: decimal.RequireFromString("0.002")}
)

type Config struct {
	BasePrice         decimal.Decimal
	QuoteLatency      time.Duration
	SettleLatency     time.Duration
	SettleJitter      time.Duration
	SlippageThreshold decimal.Decimal
	// Execution variance is uniform in [1-Variance/2, 1+Variance/2).
	Variance float64
}

func DefaultConfig() Config {
	return Config{
		BasePrice:         decimal.NewFromInt(100),
		QuoteLatency:      200 * time.Millisecond,
		SettleLatency:     2 * time.Second,
		SettleJitter:      time.Second,
		SlippageThreshold: decimal.RequireFromString("0.01"),
		Variance:          0.04,
	}
}

// Router compares simulated liquidity sources and executes swaps against the
// winner.
type Router struct {
	cfg     Config
	sources []Source
	clock   util.Clock
	rand    RandomSource
	ids     IDSource
}

type Option func(*Router)

func WithClock(c util.Clock) Option        { return func(r *Router) { r.clock = c } }
func WithRandom(src RandomSource) Option   { return func(r *Router) { r.rand = src } }
func WithIDSource(ids IDSource) Option     { return func(r *Router) { r.ids = ids } }
func WithSources(sources ...Source) Option { return func(r *Router) { r.sources = sources } }
func WithConfig(cfg Config) Option         { return func(r *Router) { r.cfg = cfg } }

func New(opts ...Option) *Router {
	r := &Router{
		cfg:     DefaultConfig(),
		sources: []Source{Raydium, Meteora},
		clock:   util.RealClock{},
		rand:    NewRandomSource(defaultSeed()),
		ids:     RandomTxHash,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetQuote asks every source concurrently and returns the quote with the
// highest net output. Ties keep the earlier source.
func (r *Router) GetQuote(ctx context.Context, inputToken, outputToken string, amount decimal.Decimal) (Quote, error) {
	// Draw before fanning out so the draw order never depends on scheduling.
	draws := make([]float64, len(r.sources))
	for i := range r.sources {
		draws[i] = r.rand.Float64()
	}

	quotes := make([]Quote, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		i, src := i, src
		g.Go(func() error {
			q, err := r.quoteFrom(gctx, src, amount, draws[i])
			if err != nil {
				return fmt.Errorf("%s quote for %s/%s: %w", src.Name, inputToken, outputToken, err)
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Quote{}, err
	}

	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Net().GreaterThan(best.Net()) {
			best = q
		}
	}
	return best, nil
}

func (r *Router) quoteFrom(ctx context.Context, src Source, amount decimal.Decimal, draw float64) (Quote, error) {
	if err := util.Sleep(ctx, r.clock, r.cfg.QuoteLatency); err != nil {
		return Quote{}, err
	}
	price := r.cfg.BasePrice.Mul(decimal.NewFromFloat(src.Low + draw*src.Spread))
	return Quote{
		Provider:  src.Name,
		Price:     price,
		AmountOut: amount.Mul(price),
		FeeRate:   src.FeeRate,
	}, nil
}

// ExecuteSwap settles the quote. The realized price is the quoted price with
// a random variance applied; drifting beyond the slippage threshold fails
// with *SlippageError.
func (r *Router) ExecuteSwap(ctx context.Context, quote Quote) (SwapResult, error) {
	jitter := time.Duration(r.rand.Float64() * float64(r.cfg.SettleJitter))
	if err := util.Sleep(ctx, r.clock, r.cfg.SettleLatency+jitter); err != nil {
		return SwapResult{}, err
	}

	if quote.Price.IsZero() {
		return SwapResult{}, fmt.Errorf("quote from %s has zero price", quote.Provider)
	}
	variance := 1 + (r.rand.Float64()*r.cfg.Variance - r.cfg.Variance/2)
	realized := quote.Price.Mul(decimal.NewFromFloat(variance))

	slippage := realized.Sub(quote.Price).Abs().Div(quote.Price)
	if slippage.GreaterThan(r.cfg.SlippageThreshold) {
		return SwapResult{}, &SlippageError{Slippage: slippage}
	}

	txHash, err := r.ids()
	if err != nil {
		return SwapResult{}, fmt.Errorf("generate tx hash: %w", err)
	}
	return SwapResult{TxHash: txHash, Price: realized}, nil
}
