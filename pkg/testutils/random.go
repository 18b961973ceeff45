// Package testutils holds helpers shared by the lockstep package tests.
package testutils

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"testing"
	"time"
)

// Seed drives every random source in tests. Override with TEST_SEED to replay a failure.
var Seed uint64 //nolint:gochecknoglobals // shared across tests for reproducibility

func init() { //nolint:gochecknoinits // seed must be fixed before any test runs
	Seed = uint64(time.Now().UnixNano()) //nolint:gosec // overflow is fine for a seed
	if s := os.Getenv("TEST_SEED"); s != "" {
		if parsed, err := strconv.ParseUint(s, 0, 64); err == nil {
			Seed = parsed
		}
	}
	fmt.Printf("to reproduce: TEST_SEED=0x%x\n", Seed) //nolint:forbidigo // test output
}

// NewRand returns a PCG source derived from Seed and the test name, so subtests get distinct but
// reproducible streams.
func NewRand(t *testing.T) *rand.Rand {
	t.Helper()
	var h uint64 = 1469598103934665603
	for i := 0; i < len(t.Name()); i++ {
		h ^= uint64(t.Name()[i])
		h *= 1099511628211
	}
	return rand.New(rand.NewPCG(Seed, h)) //nolint:gosec // weak RNG is fine for tests
}

// Weighted is satisfied by operation enums whose value doubles as their pick weight.
type Weighted interface {
	~uint8 | ~uint16 | ~uint32 | ~int
}

// PickWeighted picks one of ops with probability proportional to its value.
func PickWeighted[T Weighted](r *rand.Rand, ops []T) T {
	total := 0
	for _, op := range ops {
		total += int(op)
	}
	n := r.IntN(total)
	for _, op := range ops {
		if n < int(op) {
			return op
		}
		n -= int(op)
	}
	panic("unreachable")
}

// Shuffled returns a shuffled copy of s.
func Shuffled[T any](r *rand.Rand, s []T) []T {
	out := append([]T(nil), s...)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
