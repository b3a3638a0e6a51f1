package thread

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/storage"
)

// Store persists thread headers, state, and knot logs under the
// namespaces spec.md §6 assigns them: thread:header:<thread_id>,
// thread:state:<thread_id>, thread:knots:<thread_id>.
type Store struct {
	db storage.DB
}

// NewStore wraps db as a thread Store.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func headerKey(id crypto.Address) []byte { return []byte(fmt.Sprintf("thread:header:%s", id)) }
func stateKey(id crypto.Address) []byte  { return []byte(fmt.Sprintf("thread:state:%s", id)) }
func knotsKey(id crypto.Address) []byte  { return []byte(fmt.Sprintf("thread:knots:%s:", id)) }
func knotKey(id crypto.Address, knotId crypto.Hash) []byte {
	return []byte(fmt.Sprintf("thread:knots:%s:%s", id, knotId))
}

// PutHeader persists the latest commitment header for a thread.
func (s *Store) PutHeader(h *Header) error {
	return s.db.Set(headerKey(h.ThreadId), h.Encode())
}

// GetHeader loads a thread's latest persisted header.
func (s *Store) GetHeader(id crypto.Address) (*Header, error) {
	v, err := s.db.Get(headerKey(id))
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeHeader(v)
}

// PutState persists a thread's current state.
func (s *Store) PutState(id crypto.Address, st *State) error {
	return s.db.Set(stateKey(id), st.Encode())
}

// GetState loads a thread's persisted state.
func (s *Store) GetState(id crypto.Address) (*State, error) {
	v, err := s.db.Get(stateKey(id))
	if err == storage.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeState(v)
}

// PutKnot appends a knot to a thread's persisted knot log.
func (s *Store) PutKnot(id crypto.Address, k *Knot) error {
	return s.db.Set(knotKey(id, k.Id), k.Encode())
}

// ListKnots returns every knot persisted for a thread, in storage key
// (insertion-independent, lexicographic knot-id) order.
func (s *Store) ListKnots(id crypto.Address) ([]*Knot, error) {
	it := s.db.NewIterator(knotsKey(id))
	defer it.Release()
	var out []*Knot
	for it.Next() {
		k, err := DecodeKnot(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, it.Error()
}

// Load reconstructs a live Thread from its persisted header and state.
func (s *Store) Load(id crypto.Address) (*Thread, error) {
	h, err := s.GetHeader(id)
	if err != nil {
		return nil, err
	}
	st, err := s.GetState(id)
	if err != nil {
		return nil, err
	}
	return &Thread{
		Id:             h.ThreadId,
		Owner:          h.Owner,
		State:          st,
		Version:        h.Version,
		LastKnotHash:   h.LastKnotHash,
		PrevHeaderHash: h.PrevHeaderHash,
	}, nil
}

// Save persists a thread's current header-equivalent position and state.
// Call after Commit to make the new header durable, and after each
// ApplyKnot to keep the state snapshot current.
func (s *Store) Save(t *Thread, h *Header) error {
	if err := s.PutState(t.Id, t.State); err != nil {
		return fmt.Errorf("save thread state: %w", err)
	}
	if h != nil {
		if err := s.PutHeader(h); err != nil {
			return fmt.Errorf("save thread header: %w", err)
		}
	}
	return nil
}
