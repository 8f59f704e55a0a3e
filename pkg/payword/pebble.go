// Copyright 2025 Certen Protocol
//
// Midpoint-pebbling: a client-side space/time trade-off that avoids storing
// the full chain. Verification is unaffected; this package is only ever
// used by the party producing tokens (the client), never by the vendor or
// issuer who verify with plain HashN.

package payword

// Pebbles stores a subset of chain checkpoints chosen by recursive midpoint
// splitting of [0, N), plus the seed at index 0. TokenForK(k) finds the
// highest stored checkpoint at or below N-k and hashes forward from there.
type Pebbles struct {
	seed        [32]byte
	n           int
	checkpoints map[int][32]byte
}

// NewPebbles builds a checkpoint set of roughly p entries (plus the seed)
// for a chain of length n, computed from the same seed BuildChain would use.
func NewPebbles(seed [32]byte, n int, p int) (*Pebbles, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	chain, err := BuildChain(seed, n)
	if err != nil {
		return nil, err
	}
	pb := &Pebbles{seed: seed, n: n, checkpoints: map[int][32]byte{0: seed}}
	indices := midpointSplit(0, n, p)
	for _, idx := range indices {
		pb.checkpoints[idx] = chain.links[idx]
	}
	return pb, nil
}

// midpointSplit returns up to `count` indices in (lo, hi) chosen by
// recursively bisecting the interval, widest gaps first.
func midpointSplit(lo, hi, count int) []int {
	type span struct{ lo, hi int }
	spans := []span{{lo, hi}}
	var indices []int
	for len(indices) < count {
		// pick the widest span to bisect
		widest := -1
		widestWidth := 0
		for i, s := range spans {
			if s.hi-s.lo > widestWidth {
				widestWidth = s.hi - s.lo
				widest = i
			}
		}
		if widest == -1 || widestWidth <= 1 {
			break
		}
		s := spans[widest]
		mid := s.lo + (s.hi-s.lo)/2
		if mid == s.lo {
			break
		}
		indices = append(indices, mid)
		spans = append(spans[:widest], spans[widest+1:]...)
		spans = append(spans, span{s.lo, mid}, span{mid, s.hi})
	}
	return indices
}

// TokenForK returns w_{N-k} by hashing forward from the nearest stored
// checkpoint at or below N-k.
func (p *Pebbles) TokenForK(k int) ([32]byte, error) {
	if k <= 0 || k > p.n {
		return [32]byte{}, ErrCounterRange
	}
	idx := p.n - k
	bestJ := 0
	best := p.seed
	for j, v := range p.checkpoints {
		if j <= idx && j >= bestJ {
			bestJ = j
			best = v
		}
	}
	return HashN(best, idx-bestJ), nil
}
