// Package merkle maintains a hash tree over the policy store so two nodes
// can locate their divergence without transferring full contents.
//
// The tree has a fixed topology shared by both peers: keys hash into a
// fixed number of leaf buckets (a protocol parameter), with a binary tree
// above them. Because the topology does not depend on which keys a node
// happens to hold, peers with different key sets still compare the same
// shape: a bucket that is empty on one side and populated on the other
// hashes differently and is reported as divergent.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"edge-sync/internal/store"
)

// LeafRange is a half-open interval [Lo, Hi) of leaf bucket indexes.
// Divergence between two trees is reported as a minimal set of these.
type LeafRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// BucketOf maps a key to its leaf bucket. numLeaves must be a power of two.
func BucketOf(key string, numLeaves int) int {
	sum := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint32(sum[:4])) & (numLeaves - 1)
}

// Index is the Merkle tree over one node's policy store. It is rebuilt
// after a batch of writes rather than per-write; RootHash is a pure
// function of store contents at the last Rebuild.
type Index struct {
	numLeaves int

	mu     sync.RWMutex
	levels [][]string // levels[0] = leaf hashes, last level = [root]
}

// New creates an index with the given leaf count (power of two, >= 2).
func New(numLeaves int) *Index {
	if numLeaves < 2 || numLeaves&(numLeaves-1) != 0 {
		panic(fmt.Sprintf("merkle: numLeaves must be a power of two >= 2, got %d", numLeaves))
	}
	ix := &Index{numLeaves: numLeaves}
	ix.Rebuild(nil)
	return ix
}

// Topology returns the leaf count. Peers must agree on it; a mismatch is
// a protocol-level incompatibility.
func (ix *Index) Topology() int {
	return ix.numLeaves
}

// BucketOf maps a key to this index's leaf bucket.
func (ix *Index) BucketOf(key string) int {
	return BucketOf(key, ix.numLeaves)
}

// InRange reports whether a key falls in the given leaf range.
func (ix *Index) InRange(key string, rng LeafRange) bool {
	b := ix.BucketOf(key)
	return b >= rng.Lo && b < rng.Hi
}

// Rebuild recomputes the whole tree from (key, content_hash) pairs.
// Input must be sorted by key (store.AllHashes guarantees this), so the
// per-bucket digests are deterministic.
func (ix *Index) Rebuild(hashes []store.KeyHash) {
	buckets := make([][]store.KeyHash, ix.numLeaves)
	for _, kh := range hashes {
		b := ix.BucketOf(kh.Key)
		buckets[b] = append(buckets[b], kh)
	}

	leaves := make([]string, ix.numLeaves)
	for i, bucket := range buckets {
		h := sha256.New()
		for _, kh := range bucket {
			h.Write([]byte(kh.Key))
			h.Write([]byte("|"))
			h.Write([]byte(kh.Hash))
			h.Write([]byte("\n"))
		}
		leaves[i] = hex.EncodeToString(h.Sum(nil))
	}

	levels := buildLevels(leaves)

	ix.mu.Lock()
	ix.levels = levels
	ix.mu.Unlock()
}

// buildLevels folds leaf hashes pairwise up to the root.
func buildLevels(leaves []string) [][]string {
	levels := [][]string{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]string, len(cur)/2)
		for i := range next {
			h := sha256.New()
			h.Write([]byte(cur[2*i]))
			h.Write([]byte(cur[2*i+1]))
			next[i] = hex.EncodeToString(h.Sum(nil))
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// RootHash returns the tree's root hash as of the last Rebuild.
func (ix *Index) RootHash() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.levels[len(ix.levels)-1][0]
}

// LeafHashes returns the leaf hashes for buckets [lo, hi).
func (ix *Index) LeafHashes(lo, hi int) ([]string, error) {
	if lo < 0 || hi > ix.numLeaves || lo >= hi {
		return nil, fmt.Errorf("leaf range [%d,%d) out of bounds (topology %d)", lo, hi, ix.numLeaves)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]string, hi-lo)
	copy(out, ix.levels[0][lo:hi])
	return out, nil
}

// Diff compares this tree against a remote peer's root and full leaf set
// and returns the minimal coalesced set of divergent leaf ranges. The walk
// is top-down: subtrees whose hashes match are skipped entirely, so the
// cost is proportional to the divergence, not the store size.
func (ix *Index) Diff(remoteRoot string, remoteLeaves []string) ([]LeafRange, error) {
	if len(remoteLeaves) != ix.numLeaves {
		return nil, fmt.Errorf("remote topology %d does not match local %d", len(remoteLeaves), ix.numLeaves)
	}

	if ix.RootHash() == remoteRoot {
		return nil, nil
	}

	remote := buildLevels(remoteLeaves)
	if remote[len(remote)-1][0] != remoteRoot {
		return nil, fmt.Errorf("remote root hash does not match remote leaf hashes")
	}

	ix.mu.RLock()
	local := ix.levels
	ix.mu.RUnlock()

	var divergent []int
	var walk func(level, idx int)
	walk = func(level, idx int) {
		if local[level][idx] == remote[level][idx] {
			return
		}
		if level == 0 {
			divergent = append(divergent, idx)
			return
		}
		walk(level-1, 2*idx)
		walk(level-1, 2*idx+1)
	}
	walk(len(local)-1, 0)

	return coalesce(divergent), nil
}

// coalesce merges consecutive leaf indexes into ranges. Input is sorted
// by construction of the walk.
func coalesce(leaves []int) []LeafRange {
	var out []LeafRange
	for _, idx := range leaves {
		if n := len(out); n > 0 && out[n-1].Hi == idx {
			out[n-1].Hi = idx + 1
			continue
		}
		out = append(out, LeafRange{Lo: idx, Hi: idx + 1})
	}
	return out
}
