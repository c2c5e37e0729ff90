// Package partition implements the key -> partition mapping shared by every
// process in the dispatch pipeline. The hash below is deliberately not a
// well-known algorithm like FNV: it reproduces a specific rolling hash byte
// for byte so that a dispatcher and every worker replica, however they were
// built or deployed, agree on which partition owns a key without any
// coordination. Changing P invalidates every previously computed
// assignment — there is no consistent-hashing ring underneath this, despite
// what the name on the wire protocol calls it.
package partition

import (
	"fmt"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
)

// Partitioner maps keys to partition indices in [0, P) and enumerates
// replica partitions for a given primary.
type Partitioner struct {
	p int
	r int
}

// New constructs a Partitioner over P partitions with R replicas per key
// (including the primary). R must not exceed P.
func New(p, r int) (*Partitioner, error) {
	if p <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, fmt.Sprintf("partition count must be positive, got %d", p), nil)
	}
	if r <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, fmt.Sprintf("replica count must be positive, got %d", r), nil)
	}
	if r > p {
		return nil, apperrors.New(apperrors.CodeInvalidInput, fmt.Sprintf("replica count %d exceeds partition count %d", r, p), nil)
	}
	return &Partitioner{p: p, r: r}, nil
}

func (pt *Partitioner) P() int { return pt.p }
func (pt *Partitioner) R() int { return pt.r }

// Partition returns the primary partition index for key. An empty key
// always maps to partition 0.
func (pt *Partitioner) Partition(key string) int {
	return hashToPartition(key, pt.p)
}

// Replicas returns the R partition indices a key is stored at, starting
// with primary. The rest wrap around the partition space:
// (primary+i) mod P for i in [1, R).
func (pt *Partitioner) Replicas(primary int) []int {
	out := make([]int, pt.r)
	for i := 0; i < pt.r; i++ {
		out[i] = (primary + i) % pt.p
	}
	return out
}

// hashToPartition implements the rolling hash the spec mandates:
//
//	h := int32(0)
//	for each byte c of key: h = (h << 5) - h + int32(c)
//	partition := abs(h) % p
//
// Every step truncates to a signed 32-bit integer, matching the overflow
// behavior of the system this was ported from. This must not be replaced
// with a "better" hash (FNV, xxhash, etc.) — byte-for-byte reproducibility
// across processes is the entire point.
//
// abs(h) is computed after widening to int64: h == math.MinInt32 has no
// positive int32 counterpart, so negating it in-place would overflow back
// to itself and leave the result negative.
func hashToPartition(key string, p int) int {
	var h int32
	for i := 0; i < len(key); i++ {
		h = (h << 5) - h + int32(key[i])
	}
	wide := int64(h)
	if wide < 0 {
		wide = -wide
	}
	return int(wide % int64(p))
}
