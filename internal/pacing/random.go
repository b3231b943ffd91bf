package pacing

import (
	"math/rand/v2"
	"sync"
)

// RandomSource is the randomness consumed by Decide. *rand.Rand satisfies it.
type RandomSource interface {
	IntN(n int) int
	Float64() float64
}

// LockedSource is a seeded RandomSource safe for use by concurrent pipelines.
type LockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedSource returns a PCG-backed source. Equal seeds yield equal sequences.
func NewLockedSource(seed uint64) *LockedSource {
	return &LockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *LockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}
