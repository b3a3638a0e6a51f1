package loom

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/storage"
)

// ContractStore persists loom bytecode and per-contract key-value state
// under the "loom:" namespace (spec.md §6 "Persisted state layout"),
// plus a content-addressed archive of bytecode/state snapshots that
// fraud-proof re-execution resolves BytecodeRef/InitialRef against.
// Grounded on weave/store.go's height-keyed block store, generalized to
// a loom-id-keyed and hash-keyed store.
type ContractStore struct {
	db storage.DB
}

// NewContractStore opens a contract store backed by db.
func NewContractStore(db storage.DB) *ContractStore { return &ContractStore{db: db} }

func bytecodeKey(loomId crypto.Hash) []byte { return []byte(fmt.Sprintf("loom:code:%s", loomId)) }
func contractStateKey(loomId crypto.Hash) []byte {
	return []byte(fmt.Sprintf("loom:state:%s", loomId))
}
func archivedBytecodeKey(ref crypto.Hash) []byte {
	return []byte(fmt.Sprintf("loom:archive:code:%s", ref))
}
func archivedStateKey(ref crypto.Hash) []byte {
	return []byte(fmt.Sprintf("loom:archive:state:%s", ref))
}

// BytecodeRef is the content hash a fraud proof references in place of
// the bytecode itself (spec.md §4.5 "InvalidLoomTransitionProof.
// BytecodeRef"), keeping submissions small.
func BytecodeRef(code []byte) crypto.Hash { return crypto.SumKeyed("norn.loom-bytecode", code) }

// PutBytecode installs code as loomId's live program, e.g. at contract
// deployment.
func (s *ContractStore) PutBytecode(loomId crypto.Hash, code []byte) error {
	return s.db.Set(bytecodeKey(loomId), code)
}

// GetBytecode loads loomId's live program.
func (s *ContractStore) GetBytecode(loomId crypto.Hash) ([]byte, error) {
	return s.db.Get(bytecodeKey(loomId))
}

// PutState persists st as loomId's live working state.
func (s *ContractStore) PutState(loomId crypto.Hash, st *ContractState) error {
	return s.db.Set(contractStateKey(loomId), encodeState(st))
}

// GetState loads loomId's live working state, returning an empty state
// if the contract has never written anything.
func (s *ContractStore) GetState(loomId crypto.Hash) (*ContractState, error) {
	data, err := s.db.Get(contractStateKey(loomId))
	if err == storage.ErrNotFound {
		return NewContractState(loomId, nil), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState(loomId, data)
}

// ArchiveBytecode saves code under the content hash fraud proofs use as
// BytecodeRef, and returns that hash.
func (s *ContractStore) ArchiveBytecode(code []byte) (crypto.Hash, error) {
	ref := BytecodeRef(code)
	if err := s.db.Set(archivedBytecodeKey(ref), code); err != nil {
		return crypto.Hash{}, err
	}
	return ref, nil
}

// GetArchivedBytecode resolves a BytecodeRef back to the bytecode it
// was computed from.
func (s *ContractStore) GetArchivedBytecode(ref crypto.Hash) ([]byte, error) {
	return s.db.Get(archivedBytecodeKey(ref))
}

// ArchiveState saves a snapshot of st under its own state hash, the
// InitialRef a fraud proof resolves against, and returns that hash.
func (s *ContractStore) ArchiveState(st *ContractState) (crypto.Hash, error) {
	ref := st.Hash()
	if err := s.db.Set(archivedStateKey(ref), encodeState(st)); err != nil {
		return crypto.Hash{}, err
	}
	return ref, nil
}

// GetArchivedState resolves an InitialRef back to the encoded state it
// was computed from.
func (s *ContractStore) GetArchivedState(ref crypto.Hash) ([]byte, error) {
	return s.db.Get(archivedStateKey(ref))
}
