package router

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapflow/executor/pkg/util"
)

func newTestRouter(values ...float64) (*Router, *util.InstantClock) {
	clock := &util.InstantClock{}
	return New(WithClock(clock), WithRandom(NewSequenceSource(values...))), clock
}

func TestGetQuote_AmountOutMatchesPrice(t *testing.T) {
	r := New(WithClock(&util.InstantClock{}))
	amount := decimal.NewFromInt(10)

	for i := 0; i < 20; i++ {
		q, err := r.GetQuote(context.Background(), "SOL", "USDC", amount)
		require.NoError(t, err)
		assert.NotEmpty(t, q.Provider)
		assert.True(t, q.AmountOut.Equal(amount.Mul(q.Price)), "amountOut %s != %s * %s", q.AmountOut, amount, q.Price)
	}
}

func TestGetQuote_SelectsBetterNet(t *testing.T) {
	tests := []struct {
		name  string
		draws []float64
		want  string
	}{
		// Raydium 101.6 * 0.997 vs Meteora 97.5 * 0.998
		{"raydium wins", []float64{0.9, 0.1}, "Raydium"},
		// Raydium 98.4 * 0.997 vs Meteora 101.5 * 0.998
		{"meteora wins", []float64{0.1, 0.9}, "Meteora"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(tt.draws...)
			q, err := r.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(5))
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Provider)
		})
	}
}

func TestGetQuote_TieKeepsFirstSource(t *testing.T) {
	a := Source{Name: "A", Low: 1, Spread: 0, FeeRate: decimal.RequireFromString("0.001")}
	b := Source{Name: "B", Low: 1, Spread: 0, FeeRate: decimal.RequireFromString("0.001")}
	r := New(WithClock(&util.InstantClock{}), WithSources(a, b))

	q, err := r.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "A", q.Provider)
}

func TestGetQuote_QueriesSourcesWithLatency(t *testing.T) {
	r, clock := newTestRouter(0.5, 0.5)
	_, err := r.GetQuote(context.Background(), "SOL", "USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}, clock.Waits())
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{32}$`)

func TestExecuteSwap(t *testing.T) {
	quote := Quote{
		Provider:  "Raydium",
		Price:     decimal.NewFromInt(100),
		AmountOut: decimal.NewFromInt(1000),
		FeeRate:   decimal.RequireFromString("0.003"),
	}

	tests := []struct {
		name      string
		draws     []float64 // settle jitter, then price variance
		slippage  bool
		wantPrice string
	}{
		{"no variance", []float64{0.5, 0.5}, false, "100"},
		{"within threshold", []float64{0.5, 0.74}, false, "100.96"},
		{"below threshold", []float64{0.5, 0.26}, false, "99.04"},
		{"above threshold", []float64{0.5, 0.99}, true, ""},
		{"far below threshold", []float64{0.5, 0.0}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(tt.draws...)
			res, err := r.ExecuteSwap(context.Background(), quote)

			if tt.slippage {
				var slip *SlippageError
				require.True(t, errors.As(err, &slip), "want SlippageError, got %v", err)
				assert.Contains(t, err.Error(), "%")
				assert.Regexp(t, `^Slippage exceeded: \d+\.\d{2}%$`, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Regexp(t, txHashPattern, res.TxHash)
			diff := res.Price.Sub(decimal.RequireFromString(tt.wantPrice)).Abs()
			assert.True(t, diff.LessThan(decimal.RequireFromString("0.000001")), "price = %s, want %s", res.Price, tt.wantPrice)
		})
	}
}

func TestExecuteSwap_SettlementLatency(t *testing.T) {
	r, clock := newTestRouter(0.5, 0.5)
	_, err := r.ExecuteSwap(context.Background(), Quote{Provider: "Meteora", Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, clock.Waits())
}

func TestExecuteSwap_Canceled(t *testing.T) {
	r := New(WithRandom(NewSequenceSource(0.5, 0.5)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ExecuteSwap(ctx, Quote{Price: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlippageError_Message(t *testing.T) {
	err := &SlippageError{Slippage: decimal.RequireFromString("0.0196")}
	assert.Equal(t, "Slippage exceeded: 1.96%", err.Error())
}
