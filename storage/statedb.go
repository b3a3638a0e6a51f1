package storage

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tolelom/norn/crypto"
)

// StateDB wraps a DB with an in-memory write buffer, snapshot/rollback, and
// a deterministic root hash over the full keyspace.
//
// Unlike a typed accessor layer, StateDB deals only in raw keys and values;
// callers own their key namespacing and JSON/binary encoding. Thread,
// weave and loom storage (thread.Store, weave.State, loom.ContractStore)
// do not use it: they read and write DB directly.
type StateDB struct {
	db        DB
	prefixes  []string
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// NewStateDB creates a StateDB backed by db. prefixes lists every key
// prefix that ComputeRoot must scan to reconstruct the full state view;
// callers append to this list via WatchPrefix before first use.
func NewStateDB(db DB, prefixes ...string) *StateDB {
	return &StateDB{
		db:       db,
		prefixes: append([]string{}, prefixes...),
		dirty:    make(map[string][]byte),
		deleted:  make(map[string]bool),
	}
}

// WatchPrefix registers an additional key prefix for ComputeRoot to scan.
func (s *StateDB) WatchPrefix(prefix string) {
	s.prefixes = append(s.prefixes, prefix)
}

// Get returns the value for key, honoring the write buffer and tombstones.
func (s *StateDB) Get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

// Set buffers a write for key; it is not visible to the underlying DB
// until Commit.
func (s *StateDB) Set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

// Delete buffers a tombstone for key.
func (s *StateDB) Delete(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// Iterate scans all keys matching prefix across the underlying DB merged
// with the current write buffer, in ascending key order.
func (s *StateDB) Iterate(prefix string, fn func(key string, value []byte) error) error {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[string(it.Key())] = v
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for k, v := range s.dirty {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot saves the current write buffer and returns a snapshot ID that
// RevertToSnapshot can later restore.
func (s *StateDB) Snapshot() int {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the write buffer to a previously saved
// snapshot, discarding every write made since. The snapshot maps are
// deep-copied so later writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return ErrNotFound
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic BLAKE3 hash of the complete state
// view: every persisted entry under a watched prefix, overlaid with the
// current write buffer, sorted by key and length-prefix encoded. It does
// not flush or mutate state, so it is safe to call before signing a knot
// or block.
func (s *StateDB) ComputeRoot() crypto.Hash {
	merged := make(map[string][]byte)
	for _, prefix := range s.prefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[string(it.Key())] = v
		}
		it.Release()
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.SumKeyed("norn.state-root", buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// write batch, then clears it. Call ComputeRoot before signing, then
// Commit once the signed artifact is safely persisted.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
