// Package indexer maintains secondary indexes over committed weave events
// so RPC clients can query a thread's commitment history, or every thread
// owned by a key, without scanning the full Merkle-backed registry
// (spec.md §6 "getTransactionHistory").
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/norn/events"
	"github.com/tolelom/norn/storage"
)

const (
	prefixThreadHistory = "idx:thread:history:"
	prefixOwnerThreads  = "idx:owner:threads:"
)

// CommitmentRecord is one entry in a thread's commitment history, as
// reported by weave.Chain's EventCommitmentApplied.
type CommitmentRecord struct {
	BlockHeight uint64 `json:"block_height"`
	Version     uint64 `json:"version"`
	StateHash   string `json:"state_hash"`
	KnotCount   uint64 `json:"knot_count"`
	Timestamp   uint64 `json:"timestamp"`
}

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventThreadRegistered, idx.onThreadRegistered)
	emitter.Subscribe(events.EventCommitmentApplied, idx.onCommitmentApplied)
	return idx
}

// GetThreadHistory returns threadId's commitment records in the order they
// were applied.
func (idx *Indexer) GetThreadHistory(threadId string) ([]CommitmentRecord, error) {
	data, err := idx.db.Get([]byte(prefixThreadHistory + threadId))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var records []CommitmentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("indexer: unmarshal thread history: %w", err)
	}
	return records, nil
}

// GetThreadsByOwner returns every thread id registered to owner.
func (idx *Indexer) GetThreadsByOwner(owner string) ([]string, error) {
	return idx.getList(prefixOwnerThreads + owner)
}

// ---- event handlers ----

func (idx *Indexer) onThreadRegistered(ev events.Event) {
	threadId, _ := ev.Data["thread_id"].(string)
	owner, _ := ev.Data["owner"].(string)
	if threadId == "" || owner == "" {
		return
	}
	if err := idx.addToList(prefixOwnerThreads+owner, threadId); err != nil {
		log.Printf("[indexer] owner index write failed (owner=%s thread=%s): %v", owner, threadId, err)
	}
}

func (idx *Indexer) onCommitmentApplied(ev events.Event) {
	threadId, _ := ev.Data["thread_id"].(string)
	if threadId == "" {
		return
	}
	rec := CommitmentRecord{BlockHeight: ev.BlockHeight}
	if v, ok := ev.Data["version"].(uint64); ok {
		rec.Version = v
	}
	if v, ok := ev.Data["state_hash"].(string); ok {
		rec.StateHash = v
	}
	if v, ok := ev.Data["knot_count"].(uint64); ok {
		rec.KnotCount = v
	}
	if v, ok := ev.Data["timestamp"].(uint64); ok {
		rec.Timestamp = v
	}
	if err := idx.appendHistory(threadId, rec); err != nil {
		log.Printf("[indexer] history append failed (thread=%s): %v", threadId, err)
	}
}

// ---- storage helpers ----

func (idx *Indexer) appendHistory(threadId string, rec CommitmentRecord) error {
	records, err := idx.GetThreadHistory(threadId)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	records = append(records, rec)
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(prefixThreadHistory+threadId), data)
}

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer: unmarshal list: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
