package sessionmgr

import "math/rand"

// idGenerator produces the 16-bit pipelined IDs the manager assigns to
// sessions and rewrites into the wire request sent upstream. IDs are a
// deterministic-but-opaque bijection of a monotonically advancing counter,
// so neither a client nor an on-path attacker can predict the next id from
// the previous one by a simple delta.
type idGenerator struct {
	rng     *rand.Rand
	counter uint16
	shuffle [15]uint8
}

// newIDGenerator seeds the counter and step RNG and draws the fixed
// shuffle sequence S[i] in [i, 15] used by every subsequent id draw.
func newIDGenerator(seed int64) *idGenerator {
	g := &idGenerator{rng: rand.New(rand.NewSource(seed))}
	g.counter = uint16(g.rng.Intn(1 << 16))
	for i := range g.shuffle {
		g.shuffle[i] = uint8(i + g.rng.Intn(16-i))
	}
	return g
}

// next advances the counter by a random step of at least 1 and returns the
// shuffled id. Each step swaps bit i with bit S[i], so the result is a fixed
// permutation of all 16 bit positions and distinct counter values always
// map to distinct ids.
func (g *idGenerator) next() uint16 {
	g.counter += uint16(g.rng.Intn(97) + 1)
	x := g.counter
	for i := 0; i < 15; i++ {
		j := g.shuffle[i]
		bit := ((x >> uint(i)) ^ (x >> uint(j))) & 1
		x ^= (bit << uint(i)) | (bit << uint(j))
	}
	return x
}
