// Copyright 2025 Certen Protocol

package paytree

import (
	"testing"
)

// first-opt: after accepting a full proof for iPrev, a proof for iNew may
// omit the top LCP(iNew, iPrev) levels; reconstruction from the cache must
// recover the exact full sibling list.
func TestSiblingCache_PruneAndReconstruct(t *testing.T) {
	const m = 8
	tree, err := BuildFromSecrets(testSecrets(t, m))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()
	cache := NewSiblingCache()

	full0, err := tree.BuildProof(0)
	if err != nil {
		t.Fatalf("build proof 0: %v", err)
	}
	cache.Accept(full0, 0)

	// Indices 0..3 share the top level's ancestor with 0, index 1 shares two.
	for _, iNew := range []int{1, 2, 3} {
		fullNew, err := tree.BuildProof(iNew)
		if err != nil {
			t.Fatalf("build proof %d: %v", iNew, err)
		}
		pruned := PruneForSend(fullNew, iNew, 0, depth)
		if len(pruned.Siblings) >= depth {
			t.Fatalf("i=%d: expected pruning to drop at least one level, sent %d/%d", iNew, len(pruned.Siblings), depth)
		}

		reconstructed, err := cache.ReconstructFirstOpt(pruned, iNew, depth)
		if err != nil {
			t.Fatalf("i=%d: reconstruct: %v", iNew, err)
		}
		if len(reconstructed.Siblings) != depth {
			t.Fatalf("i=%d: reconstruction returned %d siblings, want %d", iNew, len(reconstructed.Siblings), depth)
		}
		for level := range reconstructed.Siblings {
			if reconstructed.Siblings[level] != fullNew.Siblings[level] {
				t.Fatalf("i=%d: reconstructed sibling at level %d differs from the true proof", iNew, level)
			}
		}

		ok, err := VerifyProof(tree.Root(), iNew, depth, reconstructed)
		if err != nil || !ok {
			t.Fatalf("i=%d: reconstructed proof failed verification: ok=%v err=%v", iNew, ok, err)
		}
		cache.Accept(reconstructed, iNew)
	}
}

func TestSiblingCache_MissRejected(t *testing.T) {
	const m = 8
	tree, err := BuildFromSecrets(testSecrets(t, m))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()

	// An empty cache cannot fill any omitted level.
	full, err := tree.BuildProof(5)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	pruned := Proof{Leaf: full.Leaf, Siblings: full.Siblings[:depth-1]}
	if _, err := NewSiblingCache().ReconstructFirstOpt(pruned, 5, depth); err == nil {
		t.Fatalf("expected a cache-miss error reconstructing against an empty cache")
	}
}

// second-opt: the cache holds siblings AND computed path nodes, so after
// accepting index 0 the sibling for index 1 at level 0 (which IS leaf 0, a
// computed node on 0's path) is already cached — SendLevels shrinks beyond
// what first-opt pruning alone can drop.
func TestNodeCache_SendLevelsShrink(t *testing.T) {
	const m = 8
	tree, err := BuildFromSecrets(testSecrets(t, m))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()
	cache := NewNodeCache()

	if got := len(cache.SendLevels(0, depth)); got != depth {
		t.Fatalf("fresh cache should require all %d levels, got %d", depth, got)
	}

	full0, err := tree.BuildProof(0)
	if err != nil {
		t.Fatalf("build proof 0: %v", err)
	}
	cache.Accept(full0, 0)

	// Index 1's level-0 sibling is leaf 0 — computed on 0's accepted path —
	// and every higher-level sibling of 1 equals 0's, so nothing need be sent.
	if got := cache.SendLevels(1, depth); len(got) != 0 {
		t.Fatalf("expected no levels needed for index 1 after accepting index 0, got %v", got)
	}

	// Index 4 lives in the other half: its level-2 sibling (the root's left
	// child) was computed while accepting 0, but levels 0 and 1 are unknown.
	want := []int{0, 1}
	got := cache.SendLevels(4, depth)
	if len(got) != len(want) {
		t.Fatalf("expected levels %v for index 4, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected levels %v for index 4, got %v", want, got)
		}
	}
}

func TestNodeCache_SparseRoundTrip(t *testing.T) {
	const m = 8
	tree, err := BuildFromSecrets(testSecrets(t, m))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()
	cache := NewNodeCache()

	// Walk several indices; each proof is pruned against the live cache and
	// must reconstruct to the exact full proof.
	for _, i := range []int{2, 3, 6, 7} {
		full, err := tree.BuildProof(i)
		if err != nil {
			t.Fatalf("build proof %d: %v", i, err)
		}
		sparse := cache.PruneForSend(full, i, depth)
		reconstructed, err := cache.ReconstructSecondOpt(sparse, i, depth)
		if err != nil {
			t.Fatalf("i=%d: reconstruct: %v", i, err)
		}
		for level := range reconstructed.Siblings {
			if reconstructed.Siblings[level] != full.Siblings[level] {
				t.Fatalf("i=%d: reconstructed sibling at level %d differs from the true proof", i, level)
			}
		}
		ok, err := VerifyProof(tree.Root(), i, depth, reconstructed)
		if err != nil || !ok {
			t.Fatalf("i=%d: reconstructed proof failed verification: ok=%v err=%v", i, ok, err)
		}
		cache.Accept(reconstructed, i)
	}
}

func TestNodeCache_MissRejected(t *testing.T) {
	tree, err := BuildFromSecrets(testSecrets(t, 8))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()
	full, err := tree.BuildProof(3)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	// Omit everything against an empty cache.
	sp := SparseProof{Leaf: full.Leaf}
	if _, err := NewNodeCache().ReconstructSecondOpt(sp, 3, depth); err == nil {
		t.Fatalf("expected a cache-miss error reconstructing against an empty cache")
	}
}

func TestCaches_DumpLoadRoundTrip(t *testing.T) {
	tree, err := BuildFromSecrets(testSecrets(t, 8))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	depth := tree.Depth()
	full, err := tree.BuildProof(6)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}

	sc := NewSiblingCache()
	sc.Accept(full, 6)
	sc2, err := LoadSiblingCache(sc.Dump())
	if err != nil {
		t.Fatalf("reload sibling cache: %v", err)
	}
	pruned := PruneForSend(full, 6, 6, depth) // LCP with itself prunes everything
	if len(pruned.Siblings) != 0 {
		t.Fatalf("pruning against the same index should drop every level, kept %d", len(pruned.Siblings))
	}
	reconstructed, err := sc2.ReconstructFirstOpt(pruned, 6, depth)
	if err != nil {
		t.Fatalf("reconstruct from reloaded cache: %v", err)
	}
	ok, err := VerifyProof(tree.Root(), 6, depth, reconstructed)
	if err != nil || !ok {
		t.Fatalf("proof from reloaded cache failed: ok=%v err=%v", ok, err)
	}

	nc := NewNodeCache()
	nc.Accept(full, 6)
	nc2, err := LoadNodeCache(nc.Dump())
	if err != nil {
		t.Fatalf("reload node cache: %v", err)
	}
	if got := nc2.SendLevels(6, depth); len(got) != 0 {
		t.Fatalf("reloaded node cache should cover index 6 entirely, still needs %v", got)
	}

	if _, err := LoadSiblingCache(map[string]string{"0:1": "!!"}); err == nil {
		t.Fatalf("expected an error loading an undecodable cache entry")
	}
}
