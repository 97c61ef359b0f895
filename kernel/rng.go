package kernel

import (
	"math/rand"

	"github.com/signalsfoundry/wsnkernel/kernelerr"
)

// DeterministicRng is a simulation-thread-affine pseudo-random generator
// seeded per run. While the kernel is running, every draw that affects
// simulated state must happen on the simulation thread (draws while the
// kernel is stopped are allowed); affinity is checked against the owning
// kernel so that
// accidental non-determinism (a collaborator drawing from a background
// goroutine) panics instead of silently breaking replay.
type DeterministicRng struct {
	affinity func() bool // reports whether the caller may draw (simulation thread, or kernel stopped)
	rnd      *rand.Rand
	seed     int64
}

// newDeterministicRng constructs a generator seeded with seed, whose draws
// are only valid when affinity() reports true.
func newDeterministicRng(seed int64, affinity func() bool) *DeterministicRng {
	return &DeterministicRng{
		affinity: affinity,
		rnd:      rand.New(rand.NewSource(seed)),
		seed:     seed,
	}
}

// Reseed resets the stream to a fresh sequence derived from seed. Valid only
// on the simulation thread, or while the kernel is stopped.
func (g *DeterministicRng) Reseed(seed int64) {
	g.seed = seed
	g.rnd = rand.New(rand.NewSource(seed))
}

// Seed returns the seed the stream was last (re)seeded with.
func (g *DeterministicRng) Seed() int64 { return g.seed }

// Int63 draws a non-negative pseudo-random int64.
func (g *DeterministicRng) Int63() int64 {
	g.assertAffinity()
	return g.rnd.Int63()
}

// Float64 draws a pseudo-random float64 in [0, 1).
func (g *DeterministicRng) Float64() float64 {
	g.assertAffinity()
	return g.rnd.Float64()
}

// Int63n draws a pseudo-random int64 in [0, n).
func (g *DeterministicRng) Int63n(n int64) int64 {
	g.assertAffinity()
	if n <= 0 {
		return 0
	}
	return g.rnd.Int63n(n)
}

func (g *DeterministicRng) assertAffinity() {
	if g.affinity == nil {
		return
	}
	kernelerr.Assert(g.affinity(), "DeterministicRng draw off the simulation thread")
}
