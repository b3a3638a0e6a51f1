// Package merkle implements the fixed-depth-256 sparse Merkle tree used to
// commit the weave's thread index (each thread's latest version and state
// hash, whose root is a block's threads_root). No sparse-Merkle-tree
// library was available anywhere in the retrieved example pack (the
// closest relative, a Merkle-Patricia trie, addresses a different
// variable-depth structure), so the tree walk itself is hand-written; it
// builds directly on crypto.SumKeyed for hashing and storage.DB for
// persistence, the same way every other component in this module composes
// those two primitives. See DESIGN.md.
package merkle

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/storage"
)

// Depth is the fixed depth of the tree: one level per bit of a 256-bit
// BLAKE3 path, giving every key an unambiguous, collision-resistant
// position regardless of its natural length or encoding.
const Depth = 256

// defaultHash[i] is the root hash of an entirely empty subtree of height
// (Depth-i), precomputed once at package init. defaultHash[Depth] is the
// hash of an absent leaf; defaultHash[0] is the root of a wholly empty
// tree.
var defaultHash [Depth + 1]crypto.Hash

func init() {
	defaultHash[Depth] = crypto.SumKeyed("norn.merkle-empty-leaf")
	for level := Depth - 1; level >= 0; level-- {
		defaultHash[level] = nodeHash(defaultHash[level+1], defaultHash[level+1])
	}
}

// EmptyRoot is the root hash of a tree with no entries.
func EmptyRoot() crypto.Hash { return defaultHash[0] }

func nodeHash(left, right crypto.Hash) crypto.Hash {
	return crypto.SumKeyed("norn.merkle-node", left.Bytes(), right.Bytes())
}

func leafHash(path crypto.Hash, value []byte) crypto.Hash {
	if value == nil {
		return defaultHash[Depth]
	}
	return crypto.SumKeyed("norn.merkle-leaf", path.Bytes(), value)
}

// pathFor maps an arbitrary-length key onto its fixed 256-bit tree path.
func pathFor(key []byte) crypto.Hash {
	return crypto.SumKeyed("norn.merkle-key", key)
}

// bitAt returns the bit of path at position i (0 = most significant).
func bitAt(path crypto.Hash, i int) int {
	return int((path[i/8] >> (7 - uint(i%8))) & 1)
}

// truncate zeroes every bit of path beyond the first bits bits, giving the
// canonical identity of the subtree rooted at depth `bits` that path falls
// under.
func truncate(path crypto.Hash, bits int) crypto.Hash {
	var out crypto.Hash
	copy(out[:], path[:])
	fullBytes := bits / 8
	rem := bits % 8
	for i := fullBytes + 1; i < len(out); i++ {
		out[i] = 0
	}
	if fullBytes < len(out) {
		mask := byte(0xFF) << uint(8-rem)
		if rem == 0 {
			mask = 0
		}
		out[fullBytes] &= mask
	}
	return out
}

// withBitFlipped returns a copy of path with bit i inverted.
func withBitFlipped(path crypto.Hash, i int) crypto.Hash {
	var out crypto.Hash
	copy(out[:], path[:])
	out[i/8] ^= 1 << (7 - uint(i%8))
	return out
}

// Tree is a persistent sparse Merkle tree over an arbitrary storage.DB,
// namespaced by a key prefix so several trees (e.g. one per thread, plus
// the weave-level tree) can share a single underlying database.
type Tree struct {
	db     storage.DB
	prefix string
}

// New opens a sparse Merkle tree backed by db under the given namespace
// prefix (e.g. "merkle:thread:<id>:").
func New(db storage.DB, prefix string) *Tree {
	return &Tree{db: db, prefix: prefix}
}

func (t *Tree) nodeKey(level int, truncatedPath crypto.Hash) []byte {
	return []byte(fmt.Sprintf("%snode:%03d:%s", t.prefix, level, truncatedPath))
}

func (t *Tree) valueKey(path crypto.Hash) []byte {
	return []byte(fmt.Sprintf("%sval:%s", t.prefix, path))
}

func (t *Tree) rootKey() []byte {
	return []byte(t.prefix + "root")
}

func (t *Tree) loadNode(level int, truncatedPath crypto.Hash) (crypto.Hash, error) {
	v, err := t.db.Get(t.nodeKey(level, truncatedPath))
	if err == storage.ErrNotFound {
		return defaultHash[level], nil
	}
	if err != nil {
		return crypto.Hash{}, err
	}
	var h crypto.Hash
	copy(h[:], v)
	return h, nil
}

func (t *Tree) storeNode(batch storage.Batch, level int, truncatedPath, hash crypto.Hash) {
	if hash == defaultHash[level] {
		batch.Delete(t.nodeKey(level, truncatedPath))
		return
	}
	batch.Set(t.nodeKey(level, truncatedPath), hash.Bytes())
}

// Root returns the current root hash of the tree, or EmptyRoot() if no
// entry has ever been written.
func (t *Tree) Root() (crypto.Hash, error) {
	v, err := t.db.Get(t.rootKey())
	if err == storage.ErrNotFound {
		return EmptyRoot(), nil
	}
	if err != nil {
		return crypto.Hash{}, err
	}
	var h crypto.Hash
	copy(h[:], v)
	return h, nil
}

// Get returns the raw value stored at key, or storage.ErrNotFound if the
// key has never been written (or was deleted).
func (t *Tree) Get(key []byte) ([]byte, error) {
	return t.db.Get(t.valueKey(pathFor(key)))
}

// Put writes (or overwrites) key -> value and returns the tree's new root.
// A nil value deletes the key, collapsing its leaf back to the default.
func (t *Tree) Put(key, value []byte) (crypto.Hash, error) {
	path := pathFor(key)
	batch := t.db.NewBatch()

	cur := leafHash(path, value)
	t.storeNode(batch, Depth, path, cur)
	for level := Depth; level > 0; level-- {
		bit := bitAt(path, level-1)
		siblingPath := truncate(withBitFlipped(path, level-1), level)
		sibling, err := t.loadNode(level, siblingPath)
		if err != nil {
			return crypto.Hash{}, fmt.Errorf("load sibling at level %d: %w", level, err)
		}
		var left, right crypto.Hash
		if bit == 0 {
			left, right = cur, sibling
		} else {
			left, right = sibling, cur
		}
		parent := nodeHash(left, right)
		t.storeNode(batch, level-1, truncate(path, level-1), parent)
		cur = parent
	}

	if value == nil {
		batch.Delete(t.valueKey(path))
	} else {
		batch.Set(t.valueKey(path), value)
	}
	batch.Set(t.rootKey(), cur.Bytes())
	if err := batch.Write(); err != nil {
		return crypto.Hash{}, err
	}
	return cur, nil
}

// Proof is an inclusion or non-inclusion proof for one key: the sibling
// hash at every level from the leaf up to the root. Siblings[0] is the
// leaf's immediate sibling; Siblings[Depth-1] is the sibling of the node
// just below the root.
type Proof struct {
	Siblings [Depth]crypto.Hash
}

// Prove builds a Merkle proof for key. If the key is absent, the returned
// proof is a valid non-inclusion proof against Verify(root, key, nil, proof).
func (t *Tree) Prove(key []byte) (*Proof, error) {
	path := pathFor(key)
	var proof Proof
	for level := Depth; level > 0; level-- {
		siblingPath := truncate(withBitFlipped(path, level-1), level)
		sibling, err := t.loadNode(level, siblingPath)
		if err != nil {
			return nil, fmt.Errorf("load sibling at level %d: %w", level, err)
		}
		proof.Siblings[Depth-level] = sibling
	}
	return &proof, nil
}

// Verify checks that key maps to value (value == nil asserts non-inclusion)
// under root, given a proof produced by Prove.
func Verify(root crypto.Hash, key, value []byte, proof *Proof) bool {
	path := pathFor(key)
	cur := leafHash(path, value)
	for level := Depth; level > 0; level-- {
		bit := bitAt(path, level-1)
		sibling := proof.Siblings[Depth-level]
		if bit == 0 {
			cur = nodeHash(cur, sibling)
		} else {
			cur = nodeHash(sibling, cur)
		}
	}
	return cur == root
}
