package thread

import (
	"fmt"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/wire"
)

// Encode canonically serializes s for persistence (thread:state:<id>).
func (s *State) Encode() []byte {
	e := wire.NewEncoder()
	balKeys := sortedHashKeys(s.Balances)
	e.WriteUint32(uint32(len(balKeys)))
	for _, k := range balKeys {
		e.WriteFixed(k[:])
		b := s.Balances[k].Bytes()
		e.WriteFixed(b[:])
	}
	assetKeys := sortedHashKeys(s.Assets)
	e.WriteUint32(uint32(len(assetKeys)))
	for _, k := range assetKeys {
		e.WriteFixed(k[:])
		e.WriteBytes(s.Assets[k])
	}
	loomKeys := sortedHashKeys(s.Looms)
	e.WriteUint32(uint32(len(loomKeys)))
	for _, k := range loomKeys {
		e.WriteFixed(k[:])
		e.WriteBytes(s.Looms[k])
	}
	e.WriteUint64(s.Nonce)
	return e.Bytes()
}

// DecodeState parses the output of State.Encode.
func DecodeState(b []byte) (*State, error) {
	d := wire.NewDecoder(b)
	s := NewState()

	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		kb, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		ab, err := d.ReadFixed(16)
		if err != nil {
			return nil, err
		}
		a, err := amount.FromBytes(ab)
		if err != nil {
			return nil, err
		}
		var k crypto.Hash
		copy(k[:], kb)
		s.Balances[k] = a
	}

	n, err = d.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		kb, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		v, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		var k crypto.Hash
		copy(k[:], kb)
		s.Assets[k] = v
	}

	n, err = d.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		kb, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		v, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		var k crypto.Hash
		copy(k[:], kb)
		s.Looms[k] = v
	}

	s.Nonce, err = d.ReadUint64()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Encode canonically serializes h for persistence (thread:header:<id>).
func (h *Header) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteFixed(h.ThreadId[:])
	e.WriteFixed(h.Owner[:])
	e.WriteUint64(h.Version)
	e.WriteFixed(h.StateHash[:])
	e.WriteFixed(h.LastKnotHash[:])
	e.WriteFixed(h.PrevHeaderHash[:])
	e.WriteUint64(h.KnotCount)
	e.WriteUint64(h.Timestamp)
	e.WriteFixed(h.Signature[:])
	return e.Bytes()
}

// DecodeHeader parses the output of Header.Encode.
func DecodeHeader(b []byte) (*Header, error) {
	d := wire.NewDecoder(b)
	h := &Header{}
	fields := []struct {
		dst []byte
		n   int
	}{
		{h.ThreadId[:], crypto.AddressSize},
		{h.Owner[:], crypto.PublicKeySize},
	}
	for _, f := range fields {
		v, err := d.ReadFixed(f.n)
		if err != nil {
			return nil, err
		}
		copy(f.dst, v)
	}
	var err error
	h.Version, err = d.ReadUint64()
	if err != nil {
		return nil, err
	}
	for _, dst := range [][]byte{h.StateHash[:], h.LastKnotHash[:], h.PrevHeaderHash[:]} {
		v, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		copy(dst, v)
	}
	h.KnotCount, err = d.ReadUint64()
	if err != nil {
		return nil, err
	}
	h.Timestamp, err = d.ReadUint64()
	if err != nil {
		return nil, err
	}
	sig, err := d.ReadFixed(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(h.Signature[:], sig)
	return h, nil
}

func encodeParticipant(e *wire.Encoder, p ParticipantState) { p.encode(e) }

func decodeParticipant(d *wire.Decoder) (ParticipantState, error) {
	var p ParticipantState
	v, err := d.ReadFixed(crypto.AddressSize)
	if err != nil {
		return p, err
	}
	copy(p.ThreadId[:], v)
	v, err = d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return p, err
	}
	copy(p.PubKey[:], v)
	p.Version, err = d.ReadUint64()
	if err != nil {
		return p, err
	}
	v, err = d.ReadFixed(crypto.HashSize)
	if err != nil {
		return p, err
	}
	copy(p.StateHash[:], v)
	return p, nil
}

func encodeTransferLeg(e *wire.Encoder, l TransferLeg) { l.encode(e) }

func decodeTransferLeg(d *wire.Decoder) (TransferLeg, error) {
	var l TransferLeg
	v, err := d.ReadFixed(crypto.AddressSize)
	if err != nil {
		return l, err
	}
	copy(l.From[:], v)
	v, err = d.ReadFixed(crypto.AddressSize)
	if err != nil {
		return l, err
	}
	copy(l.To[:], v)
	v, err = d.ReadFixed(crypto.HashSize)
	if err != nil {
		return l, err
	}
	copy(l.Token[:], v)
	v, err = d.ReadFixed(16)
	if err != nil {
		return l, err
	}
	l.Amount, err = amount.FromBytes(v)
	return l, err
}

// Encode canonically serializes k, including signatures, for persistence
// and gossip (thread:knots:<id>, KnotProposal/KnotResponse payloads).
func (k *Knot) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteFixed(k.Id[:])
	e.WriteUint8(uint8(k.Type))
	e.WriteUint64(k.Timestamp)
	e.WriteUint64(k.Expiry)
	wire.WriteSlice(e, k.Before, encodeParticipant)
	wire.WriteSlice(e, k.After, encodeParticipant)
	k.Payload.encode(e)
	wire.WriteSlice(e, k.Signatures, func(e *wire.Encoder, s crypto.Signature) { e.WriteFixed(s[:]) })
	return e.Bytes()
}

// DecodeKnot parses the output of Knot.Encode.
func DecodeKnot(b []byte) (*Knot, error) {
	d := wire.NewDecoder(b)
	k := &Knot{}
	idb, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(k.Id[:], idb)
	typ, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	k.Type = KnotType(typ)
	if k.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if k.Expiry, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	if k.Before, err = wire.ReadSlice(d, decodeParticipant); err != nil {
		return nil, fmt.Errorf("before states: %w", err)
	}
	if k.After, err = wire.ReadSlice(d, decodeParticipant); err != nil {
		return nil, fmt.Errorf("after states: %w", err)
	}
	if k.Payload.Transfers, err = wire.ReadSlice(d, decodeTransferLeg); err != nil {
		return nil, fmt.Errorf("payload transfers: %w", err)
	}
	loomId, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(k.Payload.LoomId[:], loomId)
	if k.Payload.Input, err = d.ReadBytes(); err != nil {
		return nil, err
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
		return nil, err
	}
	k.Signatures = sigs
	return k, nil
}
