package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

// StateRequest asks a peer for every block after CurrentHeight, guarded by
// GenesisHash so two differently-configured networks never cross-sync
// (spec.md §7 "State sync").
type StateRequest struct {
	CurrentHeight uint64
	GenesisHash   crypto.Hash
}

// StateResponse carries the requested blocks in ascending height order.
type StateResponse struct {
	Blocks      []*weave.Block
	TipHeight   uint64
	GenesisHash crypto.Hash
}

// Encode returns r's canonical binary encoding, suitable as a
// wire.MessageEnvelope payload under wire.MsgStateRequest.
func (r *StateRequest) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteUint64(r.CurrentHeight)
	e.WriteFixed(r.GenesisHash[:])
	return e.Bytes()
}

// DecodeStateRequest parses a request previously produced by Encode.
func DecodeStateRequest(b []byte) (*StateRequest, error) {
	d := wire.NewDecoder(b)
	r := &StateRequest{}
	var err error
	if r.CurrentHeight, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	h, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(r.GenesisHash[:], h)
	return r, nil
}

// Encode returns r's canonical binary encoding, suitable as a
// wire.MessageEnvelope payload under wire.MsgStateResponse.
func (r *StateResponse) Encode() []byte {
	e := wire.NewEncoder()
	wire.WriteSlice(e, r.Blocks, func(e *wire.Encoder, b *weave.Block) { e.WriteBytes(weave.EncodeBlock(b)) })
	e.WriteUint64(r.TipHeight)
	e.WriteFixed(r.GenesisHash[:])
	return e.Bytes()
}

// DecodeStateResponse parses a response previously produced by Encode.
func DecodeStateResponse(b []byte) (*StateResponse, error) {
	d := wire.NewDecoder(b)
	r := &StateResponse{}
	blocks, err := wire.ReadSlice(d, func(d *wire.Decoder) (*weave.Block, error) {
		bb, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		return weave.DecodeBlock(bb)
	})
	if err != nil {
		return nil, err
	}
	r.Blocks = blocks
	if r.TipHeight, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	h, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(r.GenesisHash[:], h)
	return r, nil
}

// BuildStateResponse answers a StateRequest from the local store, or
// returns an error if the requester's genesis hash does not match ours
// (spec.md §7: "genesis hash mismatch is fatal").
func BuildStateResponse(store *weave.Store, genesisHash crypto.Hash, req *StateRequest) (*StateResponse, error) {
	if req.GenesisHash != genesisHash {
		return nil, fmt.Errorf("consensus: state request genesis hash mismatch")
	}
	tip, ok := store.LatestHeight()
	if !ok {
		return &StateResponse{TipHeight: 0, GenesisHash: genesisHash}, nil
	}
	resp := &StateResponse{TipHeight: tip, GenesisHash: genesisHash}
	for h := req.CurrentHeight + 1; h <= tip; h++ {
		b, err := store.GetBlock(h)
		if err != nil {
			return nil, fmt.Errorf("consensus: load block %d: %w", h, err)
		}
		resp.Blocks = append(resp.Blocks, b)
	}
	return resp, nil
}

// ApplyStateSync verifies and applies a StateResponse's blocks in order:
// each block's own hash, its prev-hash linkage to the chain tip, and its
// Commit QC (rebuilt from validator_signatures[]) must all check out
// before it is applied (spec.md §7: "blocks verified (signatures, roots,
// prev-hash linkage) and applied in ascending-height order").
func ApplyStateSync(chain *weave.Chain, genesisHash crypto.Hash, resp *StateResponse, now uint64) error {
	if resp.GenesisHash != genesisHash {
		return fmt.Errorf("consensus: state response genesis hash mismatch")
	}
	for _, b := range resp.Blocks {
		if b.Header.Height != chain.Height()+1 {
			return fmt.Errorf("consensus: state sync block height %d does not follow chain height %d", b.Header.Height, chain.Height())
		}
		if b.Header.PrevHash != chain.LatestHash() {
			return fmt.Errorf("consensus: state sync block %d prev_hash does not match chain tip", b.Header.Height)
		}
		if b.ComputeHash() != b.Hash {
			return fmt.Errorf("consensus: state sync block %d hash mismatch", b.Header.Height)
		}
		qc, err := RebuildCommitQC(b, chain.Validators)
		if err != nil {
			return fmt.Errorf("consensus: state sync block %d: %w", b.Header.Height, err)
		}
		if err := qc.Verify(chain.Validators); err != nil {
			return fmt.Errorf("consensus: state sync block %d commit QC: %w", b.Header.Height, err)
		}
		if err := chain.ApplyBlock(b, now); err != nil {
			return fmt.Errorf("consensus: apply state sync block %d: %w", b.Header.Height, err)
		}
	}
	return nil
}
