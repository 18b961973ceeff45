package command

import "math/rand/v2"

// IDGenerator hands out the 32-bit ids that tag queued commands. Ids only need to be unlikely to
// collide between a client's in-flight commands.
type IDGenerator interface {
	NextID() uint32
}

// RandomIDs draws ids from a seeded PCG source.
type RandomIDs struct {
	rng *rand.Rand
}

func NewRandomIDs(seed uint64) *RandomIDs {
	return &RandomIDs{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))} //nolint:gosec // not security sensitive
}

func (g *RandomIDs) NextID() uint32 {
	return g.rng.Uint32()
}

// SequentialIDs counts up from 1.
type SequentialIDs struct {
	last uint32
}

func (g *SequentialIDs) NextID() uint32 {
	g.last++
	return g.last
}
