package thread

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/wire"
)

// Header is the signed commitment row a thread periodically announces to
// the weave (spec.md §3 "Thread header (commitment row)").
type Header struct {
	ThreadId       crypto.Address
	Owner          crypto.PublicKey
	Version        uint64
	StateHash      crypto.Hash
	LastKnotHash   crypto.Hash
	PrevHeaderHash crypto.Hash
	KnotCount      uint64 // knots applied since the previous commit
	Timestamp      uint64
	Signature      crypto.Signature
}

func (h *Header) signingBytes() []byte {
	e := wire.NewEncoder()
	e.WriteFixed(h.ThreadId[:])
	e.WriteFixed(h.Owner[:])
	e.WriteUint64(h.Version)
	e.WriteFixed(h.StateHash[:])
	e.WriteFixed(h.LastKnotHash[:])
	e.WriteFixed(h.PrevHeaderHash[:])
	e.WriteUint64(h.KnotCount)
	e.WriteUint64(h.Timestamp)
	return e.Bytes()
}

// Sign signs every field except Signature with priv.
func (h *Header) Sign(priv crypto.PrivateKey) {
	h.Signature = crypto.Sign(priv, h.signingBytes())
}

// Verify checks the header's signature against Owner.
func (h *Header) Verify() error {
	if h.ThreadId != h.Owner.Address() {
		return fmt.Errorf("thread: header thread_id does not match addr(owner)")
	}
	return crypto.Verify(h.Owner, h.signingBytes(), h.Signature)
}

// Hash returns the header's own hash, used as PrevHeaderHash by the next
// header in the chain.
func (h *Header) Hash() crypto.Hash {
	return crypto.SumKeyed("norn.thread-header", h.signingBytes(), h.Signature[:])
}
