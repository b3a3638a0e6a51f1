package weave

import (
	"fmt"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/merkle"
	"github.com/tolelom/norn/storage"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/wire"
)

// TokenRecord is the registry's running view of one token (spec.md §4.2
// "Token registry").
type TokenRecord struct {
	Name      string
	Symbol    string
	Decimals  uint8
	MaxSupply amount.Amount
	Supply    amount.Amount
	Creator   crypto.PublicKey
	Timestamp uint64
}

// NameRecord is the registry's view of one registered name (spec.md §4.2
// "Name registry").
type NameRecord struct {
	Owner     crypto.PublicKey
	Timestamp uint64
	FeePaid   amount.Amount
}

// State is the weave's global registry: the sparse-Merkle thread index
// (threads_root), the token registry, the name registry, and the thread
// owner index the fraud monitor consults. Grounded on the teacher's
// core/state.go snapshot-backed map pattern, generalized to hold a Merkle
// tree of thread commitments rather than flat account balances.
type State struct {
	Threads *merkle.Tree
	Tokens  map[crypto.Hash]*TokenRecord
	Names   map[string]*NameRecord
	Anchors map[crypto.Hash]*Anchor
	owners  map[crypto.Address]crypto.PublicKey
}

// NewState opens (or creates) a weave registry backed by db.
func NewState(db storage.DB) *State {
	return &State{
		Threads: merkle.New(db, "weave:threads:"),
		Tokens:  make(map[crypto.Hash]*TokenRecord),
		Names:   make(map[string]*NameRecord),
		Anchors: make(map[crypto.Hash]*Anchor),
		owners:  make(map[crypto.Address]crypto.PublicKey),
	}
}

// encodeThreadEntry builds the canonical value stored at a thread's leaf: its latest
// committed (version, state_hash).
func encodeThreadEntry(version uint64, stateHash crypto.Hash) []byte {
	e := wire.NewEncoder()
	e.WriteUint64(version)
	e.WriteFixed(stateHash[:])
	return e.Bytes()
}

func decodeThreadEntry(b []byte) (version uint64, stateHash crypto.Hash, err error) {
	d := wire.NewDecoder(b)
	if version, err = d.ReadUint64(); err != nil {
		return
	}
	sh, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return
	}
	copy(stateHash[:], sh)
	return
}

// ThreadsRoot returns the current root of the thread-commitment Merkle tree.
func (s *State) ThreadsRoot() (crypto.Hash, error) { return s.Threads.Root() }

// ThreadEntry returns a registered thread's latest known (version,
// state_hash), or ok=false if unregistered.
func (s *State) ThreadEntry(threadId crypto.Address) (version uint64, stateHash crypto.Hash, ok bool) {
	v, err := s.Threads.Get(threadId[:])
	if err != nil || v == nil {
		return 0, crypto.Hash{}, false
	}
	version, stateHash, err = decodeThreadEntry(v)
	return version, stateHash, err == nil
}

// OwnerOf satisfies fraud.ThreadOwnerLookup.
func (s *State) OwnerOf(threadId crypto.Address) (crypto.PublicKey, bool) {
	pub, ok := s.owners[threadId]
	return pub, ok
}

// ApplyRegistration creates a new thread entry at version 0 with the empty
// thread-state hash (spec.md §4.2 "Registration validation / apply").
func (s *State) ApplyRegistration(r *Registration) error {
	if _, _, ok := s.ThreadEntry(r.ThreadId); ok {
		return fmt.Errorf("weave: thread %s already registered", r.ThreadId)
	}
	if _, err := s.Threads.Put(r.ThreadId[:], encodeThreadEntry(0, thread.NewState().Hash())); err != nil {
		return fmt.Errorf("weave: register thread: %w", err)
	}
	s.owners[r.ThreadId] = r.Owner
	return nil
}

// ApplyCommitment advances a registered thread's recorded (version,
// state_hash) (spec.md §4.2 "Commitment validation / apply").
func (s *State) ApplyCommitment(c *Commitment) error {
	version, _, ok := s.ThreadEntry(c.ThreadId)
	if !ok {
		return fmt.Errorf("weave: commitment for unregistered thread %s", c.ThreadId)
	}
	if c.Version <= version {
		return fmt.Errorf("weave: commitment version %d is not above registry version %d", c.Version, version)
	}
	if _, err := s.Threads.Put(c.ThreadId[:], encodeThreadEntry(c.Version, c.StateHash)); err != nil {
		return fmt.Errorf("weave: apply commitment: %w", err)
	}
	s.owners[c.ThreadId] = c.Owner
	return nil
}

// ApplyTokenOp mutates the token registry (spec.md §4.2 "Token
// operations"). Create adds a new TokenRecord, Mint/Burn adjust Supply
// within [0, MaxSupply].
func (s *State) ApplyTokenOp(op *TokenOp) error {
	switch op.Kind {
	case TokenCreate:
		if _, exists := s.Tokens[op.TokenId]; exists {
			return fmt.Errorf("weave: token %s already exists", op.TokenId)
		}
		if op.Amount.Cmp(op.MaxSupply) > 0 {
			return fmt.Errorf("weave: initial supply exceeds max supply")
		}
		s.Tokens[op.TokenId] = &TokenRecord{
			Name: op.Name, Symbol: op.Symbol, Decimals: op.Decimals,
			MaxSupply: op.MaxSupply, Supply: op.Amount,
			Creator: op.Creator, Timestamp: op.Timestamp,
		}
		return nil
	case TokenMint:
		rec, ok := s.Tokens[op.TokenId]
		if !ok {
			return fmt.Errorf("weave: unknown token %s", op.TokenId)
		}
		if rec.Creator != op.Creator {
			return fmt.Errorf("weave: only the creator may mint")
		}
		next, overflow := rec.Supply.Add(op.Amount)
		if overflow || next.Cmp(rec.MaxSupply) > 0 {
			return fmt.Errorf("weave: mint would exceed max supply")
		}
		rec.Supply = next
		return nil
	case TokenBurn:
		rec, ok := s.Tokens[op.TokenId]
		if !ok {
			return fmt.Errorf("weave: unknown token %s", op.TokenId)
		}
		if rec.Creator != op.Creator {
			return fmt.Errorf("weave: only the creator may burn")
		}
		next, underflow := rec.Supply.Sub(op.Amount)
		if underflow {
			return fmt.Errorf("weave: burn exceeds current supply")
		}
		rec.Supply = next
		return nil
	default:
		return fmt.Errorf("weave: unknown token op kind %d", op.Kind)
	}
}

// ApplyNameOp mutates the name registry (spec.md §4.2 "Name registry").
// Register reserves an unowned lowercase name; Transfer moves an existing
// name to a new owner, signed by the current owner.
func (s *State) ApplyNameOp(op *NameOp) error {
	switch op.Kind {
	case NameRegister:
		if _, exists := s.Names[op.Name]; exists {
			return fmt.Errorf("weave: name %q already registered", op.Name)
		}
		s.Names[op.Name] = &NameRecord{Owner: op.Owner, Timestamp: op.Timestamp, FeePaid: op.FeePaid}
		return nil
	case NameTransfer:
		rec, ok := s.Names[op.Name]
		if !ok {
			return fmt.Errorf("weave: name %q not registered", op.Name)
		}
		if rec.Owner != op.Owner {
			return fmt.Errorf("weave: signer does not own name %q", op.Name)
		}
		rec.Owner = op.NewOwner
		rec.Timestamp = op.Timestamp
		return nil
	default:
		return fmt.Errorf("weave: unknown name op kind %d", op.Kind)
	}
}

// ApplyAnchor records a loom's most recently anchored state root. Anchors
// are advisory checkpoints consulted by light clients and the fraud
// monitor; they do not gate thread or token validity.
func (s *State) ApplyAnchor(a *Anchor) error {
	if existing, ok := s.Anchors[a.LoomId]; ok && existing.BlockHeight >= a.BlockHeight {
		return fmt.Errorf("weave: stale anchor for loom %s", a.LoomId)
	}
	s.Anchors[a.LoomId] = a
	return nil
}
