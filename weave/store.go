package weave

import (
	"fmt"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/storage"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/wire"
)

// Store persists blocks and chain metadata under the "weave:" namespace
// (spec.md §6 "Persisted state layout"). Grounded on the teacher's
// core/blockchain.go (height-indexed block store + "latest height" key).
type Store struct {
	db storage.DB
}

// NewStore opens a weave block store backed by db.
func NewStore(db storage.DB) *Store { return &Store{db: db} }

func blockKey(height uint64) []byte { return []byte(fmt.Sprintf("weave:block:%020d", height)) }

var latestHeightKey = []byte("weave:latest-height")

// PutBlock persists a block and advances the latest-height pointer.
func (s *Store) PutBlock(b *Block) error {
	if err := s.db.Set(blockKey(b.Header.Height), encodeBlock(b)); err != nil {
		return err
	}
	e := wire.NewEncoder()
	e.WriteUint64(b.Header.Height)
	return s.db.Set(latestHeightKey, e.Bytes())
}

// GetBlock loads the block at height.
func (s *Store) GetBlock(height uint64) (*Block, error) {
	data, err := s.db.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	return decodeBlock(data)
}

// LatestHeight returns the highest committed block's height, and false if
// the chain is empty.
func (s *Store) LatestHeight() (uint64, bool) {
	data, err := s.db.Get(latestHeightKey)
	if err != nil {
		return 0, false
	}
	d := wire.NewDecoder(data)
	h, err := d.ReadUint64()
	if err != nil {
		return 0, false
	}
	return h, true
}

func decodeRegistrationBytes(b []byte) (*Registration, error) {
	d := wire.NewDecoder(b)
	r := &Registration{}
	v, err := d.ReadFixed(crypto.AddressSize)
	if err != nil {
		return nil, err
	}
	copy(r.ThreadId[:], v)
	if v, err = d.ReadFixed(crypto.PublicKeySize); err != nil {
		return nil, err
	}
	copy(r.Owner[:], v)
	if r.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if v, err = d.ReadFixed(crypto.SignatureSize); err != nil {
		return nil, err
	}
	copy(r.Signature[:], v)
	return r, nil
}

func decodeAnchorBytes(b []byte) (*Anchor, error) {
	d := wire.NewDecoder(b)
	a := &Anchor{}
	for _, dst := range [][]byte{a.LoomId[:], a.StateHash[:]} {
		v, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		copy(dst, v)
	}
	var err error
	if a.BlockHeight, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if a.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	v, err := d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(a.Signer[:], v)
	if v, err = d.ReadFixed(crypto.SignatureSize); err != nil {
		return nil, err
	}
	copy(a.Signature[:], v)
	return a, nil
}

func decodeNameOpBytes(b []byte) (*NameOp, error) {
	d := wire.NewDecoder(b)
	op := &NameOp{}
	kind, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	op.Kind = NameOpKind(kind)
	if op.Name, err = d.ReadString(); err != nil {
		return nil, err
	}
	v, err := d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(op.Owner[:], v)
	if v, err = d.ReadFixed(crypto.PublicKeySize); err != nil {
		return nil, err
	}
	copy(op.NewOwner[:], v)
	fp, err := d.ReadFixed(16)
	if err != nil {
		return nil, err
	}
	if op.FeePaid, err = amount.FromBytes(fp); err != nil {
		return nil, err
	}
	if op.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if v, err = d.ReadFixed(crypto.SignatureSize); err != nil {
		return nil, err
	}
	copy(op.Signature[:], v)
	return op, nil
}

func decodeTokenOpBytes(b []byte) (*TokenOp, error) {
	d := wire.NewDecoder(b)
	op := &TokenOp{}
	kind, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	op.Kind = TokenOpKind(kind)
	v, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(op.TokenId[:], v)
	if op.Name, err = d.ReadString(); err != nil {
		return nil, err
	}
	if op.Symbol, err = d.ReadString(); err != nil {
		return nil, err
	}
	if op.Decimals, err = d.ReadUint8(); err != nil {
		return nil, err
	}
	ms, err := d.ReadFixed(16)
	if err != nil {
		return nil, err
	}
	if op.MaxSupply, err = amount.FromBytes(ms); err != nil {
		return nil, err
	}
	am, err := d.ReadFixed(16)
	if err != nil {
		return nil, err
	}
	if op.Amount, err = amount.FromBytes(am); err != nil {
		return nil, err
	}
	if v, err = d.ReadFixed(crypto.PublicKeySize); err != nil {
		return nil, err
	}
	copy(op.Creator[:], v)
	if op.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if v, err = d.ReadFixed(crypto.SignatureSize); err != nil {
		return nil, err
	}
	copy(op.Signature[:], v)
	return op, nil
}

func encodeBlock(b *Block) []byte {
	e := wire.NewEncoder()
	h := b.Header
	e.WriteUint64(h.Height)
	e.WriteUint64(h.View)
	e.WriteFixed(h.PrevHash[:])
	e.WriteFixed(h.CommitmentsRoot[:])
	e.WriteFixed(h.RegistrationsRoot[:])
	e.WriteFixed(h.AnchorsRoot[:])
	e.WriteFixed(h.NameOpsRoot[:])
	e.WriteFixed(h.FraudProofsRoot[:])
	e.WriteFixed(h.TokenOpsRoot[:])
	e.WriteFixed(h.ThreadsRoot[:])
	e.WriteUint64(h.Timestamp)
	e.WriteFixed(h.Proposer[:])
	e.WriteFixed(b.Hash[:])

	wire.WriteSlice(e, b.Commitments, func(e *wire.Encoder, c *Commitment) { e.WriteBytes(c.Encode()) })
	wire.WriteSlice(e, b.Registrations, func(e *wire.Encoder, r *Registration) { e.WriteBytes(encodeRegistration(r)) })
	wire.WriteSlice(e, b.Anchors, func(e *wire.Encoder, a *Anchor) { e.WriteBytes(encodeAnchor(a)) })
	wire.WriteSlice(e, b.NameOps, func(e *wire.Encoder, op *NameOp) { e.WriteBytes(encodeNameOp(op)) })
	wire.WriteSlice(e, b.TokenOps, func(e *wire.Encoder, op *TokenOp) { e.WriteBytes(encodeTokenOp(op)) })
	wire.WriteSlice(e, b.FraudProofs, func(e *wire.Encoder, s *FraudProofEntry) { e.WriteBytes(encodeFraudSubmission(s)) })
	wire.WriteSlice(e, b.ValidatorSignatures, func(e *wire.Encoder, s crypto.Signature) { e.WriteFixed(s[:]) })
	return e.Bytes()
}

func decodeBlock(data []byte) (*Block, error) {
	d := wire.NewDecoder(data)
	var h Header
	var err error
	if h.Height, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if h.View, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	for _, dst := range [][]byte{h.PrevHash[:], h.CommitmentsRoot[:], h.RegistrationsRoot[:], h.AnchorsRoot[:], h.NameOpsRoot[:], h.FraudProofsRoot[:], h.TokenOpsRoot[:], h.ThreadsRoot[:]} {
		v, err := d.ReadFixed(len(dst))
		if err != nil {
			return nil, err
		}
		copy(dst, v)
	}
	if h.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	v, err := d.ReadFixed(len(h.Proposer))
	if err != nil {
		return nil, err
	}
	copy(h.Proposer[:], v)

	b := &Block{Header: h}
	hb, err := d.ReadFixed(len(b.Hash))
	if err != nil {
		return nil, err
	}
	copy(b.Hash[:], hb)

	commitmentBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("commitments: %w", err)
	}
	for _, cb := range commitmentBytes {
		c, err := thread.DecodeHeader(cb)
		if err != nil {
			return nil, fmt.Errorf("commitment: %w", err)
		}
		b.Commitments = append(b.Commitments, c)
	}

	registrationBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("registrations: %w", err)
	}
	for _, rb := range registrationBytes {
		r, err := decodeRegistrationBytes(rb)
		if err != nil {
			return nil, err
		}
		b.Registrations = append(b.Registrations, r)
	}

	anchorBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("anchors: %w", err)
	}
	for _, ab := range anchorBytes {
		a, err := decodeAnchorBytes(ab)
		if err != nil {
			return nil, err
		}
		b.Anchors = append(b.Anchors, a)
	}

	nameOpBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("name ops: %w", err)
	}
	for _, nb := range nameOpBytes {
		op, err := decodeNameOpBytes(nb)
		if err != nil {
			return nil, err
		}
		b.NameOps = append(b.NameOps, op)
	}

	tokenOpBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("token ops: %w", err)
	}
	for _, tb := range tokenOpBytes {
		op, err := decodeTokenOpBytes(tb)
		if err != nil {
			return nil, err
		}
		b.TokenOps = append(b.TokenOps, op)
	}

	fraudBytes, err := wire.ReadSlice(d, func(d *wire.Decoder) ([]byte, error) { return d.ReadBytes() })
	if err != nil {
		return nil, fmt.Errorf("fraud proofs: %w", err)
	}
	for _, fb := range fraudBytes {
		s, err := decodeFraudSubmission(fb)
		if err != nil {
			return nil, err
		}
		b.FraudProofs = append(b.FraudProofs, s)
	}

	sigs, err := wire.ReadSlice(d, func(d *wire.Decoder) (crypto.Signature, error) {
		var s crypto.Signature
		v, err := d.ReadFixed(crypto.SignatureSize)
		if err != nil {
			return s, err
		}
		copy(s[:], v)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("validator signatures: %w", err)
	}
	b.ValidatorSignatures = sigs
	return b, nil
}
