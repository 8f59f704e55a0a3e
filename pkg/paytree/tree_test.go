// Copyright 2025 Certen Protocol

package paytree

import (
	"crypto/rand"
	"errors"
	"testing"
)

func testSecrets(t *testing.T, m int) [][32]byte {
	t.Helper()
	secrets := make([][32]byte, m)
	for i := range secrets {
		if _, err := rand.Read(secrets[i][:]); err != nil {
			t.Fatalf("generate secret %d: %v", i, err)
		}
	}
	return secrets
}

func TestTree_ProofRoundTrip(t *testing.T) {
	// 8 leaves (power of two) and 5 leaves (forces padding).
	for _, m := range []int{8, 5} {
		tree, err := BuildFromSecrets(testSecrets(t, m))
		if err != nil {
			t.Fatalf("build tree m=%d: %v", m, err)
		}
		root := tree.Root()
		depth := tree.Depth()
		if depth != DepthForCount(m) {
			t.Fatalf("m=%d: tree depth %d disagrees with DepthForCount %d", m, depth, DepthForCount(m))
		}

		for i := 0; i < m; i++ {
			proof, err := tree.BuildProof(i)
			if err != nil {
				t.Fatalf("build proof m=%d i=%d: %v", m, i, err)
			}
			if len(proof.Siblings) != depth {
				t.Fatalf("m=%d i=%d: proof carries %d siblings, want %d", m, i, len(proof.Siblings), depth)
			}
			ok, err := VerifyProof(root, i, depth, proof)
			if err != nil {
				t.Fatalf("verify m=%d i=%d: %v", m, i, err)
			}
			if !ok {
				t.Fatalf("m=%d i=%d: valid proof rejected", m, i)
			}
		}
	}
}

// A proof for leaf i must not verify under any other index: the index's bit
// decomposition steers the left/right concatenation order, so a shifted
// index recomputes a different root.
func TestTree_ProofDoesNotTransferAcrossIndices(t *testing.T) {
	const m = 8
	tree, err := BuildFromSecrets(testSecrets(t, m))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	root := tree.Root()
	depth := tree.Depth()

	proof, err := tree.BuildProof(2)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	for i := 0; i < m; i++ {
		if i == 2 {
			continue
		}
		ok, err := VerifyProof(root, i, depth, proof)
		if err != nil {
			t.Fatalf("verify i=%d: %v", i, err)
		}
		if ok {
			t.Fatalf("proof for leaf 2 verified under index %d", i)
		}
	}
}

func TestVerifyProof_RejectsWrongSiblingCount(t *testing.T) {
	tree, err := BuildFromSecrets(testSecrets(t, 8))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	proof, err := tree.BuildProof(0)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	depth := tree.Depth()

	short := Proof{Leaf: proof.Leaf, Siblings: proof.Siblings[:depth-1]}
	if _, err := VerifyProof(tree.Root(), 0, depth, short); !errors.Is(err, ErrProofLength) {
		t.Fatalf("expected ErrProofLength for a short sibling list, got %v", err)
	}

	long := Proof{Leaf: proof.Leaf, Siblings: append(append([][32]byte{}, proof.Siblings...), proof.Siblings[0])}
	if _, err := VerifyProof(tree.Root(), 0, depth, long); !errors.Is(err, ErrProofLength) {
		t.Fatalf("expected ErrProofLength for a long sibling list, got %v", err)
	}
}

func TestTree_SingleLeaf(t *testing.T) {
	tree, err := BuildFromSecrets(testSecrets(t, 1))
	if err != nil {
		t.Fatalf("build single-leaf tree: %v", err)
	}
	if tree.Depth() != 0 {
		t.Fatalf("single-leaf tree should have depth 0, got %d", tree.Depth())
	}
	proof, err := tree.BuildProof(0)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	ok, err := VerifyProof(tree.Root(), 0, 0, proof)
	if err != nil || !ok {
		t.Fatalf("single-leaf proof failed: ok=%v err=%v", ok, err)
	}
}

func TestBuildFromSecrets_RejectsEmpty(t *testing.T) {
	if _, err := BuildFromSecrets(nil); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestTree_IndexRange(t *testing.T) {
	tree, err := BuildFromSecrets(testSecrets(t, 4))
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if _, err := tree.BuildProof(-1); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("expected ErrIndexRange for i=-1, got %v", err)
	}
	if _, err := tree.Secret(4); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("expected ErrIndexRange for secret 4, got %v", err)
	}
	if _, err := tree.Leaf(4); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("expected ErrIndexRange for leaf 4, got %v", err)
	}
}

func TestDepthForCount(t *testing.T) {
	cases := []struct{ m, depth int }{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4},
	}
	for _, c := range cases {
		if got := DepthForCount(c.m); got != c.depth {
			t.Errorf("DepthForCount(%d) = %d, want %d", c.m, got, c.depth)
		}
	}
}
