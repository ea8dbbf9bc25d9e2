package router

import (
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RandomSource yields uniform values in [0, 1).
type RandomSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *mrand.Rand
}

// NewRandomSource returns a goroutine-safe pseudo-random source.
func NewRandomSource(seed int64) RandomSource {
	return &lockedRand{r: mrand.New(mrand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// SequenceSource replays fixed values in order, then defers to Fallback
// (or returns 0.5 when Fallback is nil).
type SequenceSource struct {
	mu       sync.Mutex
	values   []float64
	Fallback RandomSource
}

func NewSequenceSource(values ...float64) *SequenceSource {
	return &SequenceSource{values: values}
}

func (s *SequenceSource) Float64() float64 {
	s.mu.Lock()
	if len(s.values) > 0 {
		v := s.values[0]
		s.values = s.values[1:]
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()
	if s.Fallback != nil {
		return s.Fallback.Float64()
	}
	return 0.5
}

// IDSource produces transaction identifiers.
type IDSource func() (string, error)

// RandomTxHash returns 0x followed by 32 random hex characters.
func RandomTxHash() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hexutil.Encode(b[:]), nil
}

func defaultSeed() int64 { return time.Now().UnixNano() }
