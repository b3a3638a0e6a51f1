package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

// ConsensusKind tags which of the BFT pipeline's message shapes a
// ConsensusMessage carries, the oneof-by-byte-tag idiom weave's
// fraud.Submission.Kind and TokenOp.Kind already use.
type ConsensusKind uint8

const (
	KindVote ConsensusKind = iota
	KindTimeoutVote
	KindPrepare
	KindPreCommit
	KindCommit
	KindNewView
	KindFinalize
)

// ConsensusMessage is the single payload shape wire.MsgConsensus envelopes
// carry; exactly one of the fields matching Kind is populated (spec.md §3
// "Messages": PrepareVote/PreCommitVote/CommitVote are Vote at different
// phases, so a single Vote-shaped case covers all three).
type ConsensusMessage struct {
	Kind        ConsensusKind
	Vote        *Vote
	TimeoutVote *TimeoutVote
	Prepare     *Prepare
	PreCommit   *PreCommit
	Commit      *Commit
	NewView     *NewView
	Finalize    *QC // CommitQC broadcast once quorum is reached, so every replica can Finalize
}

func encodeQC(e *wire.Encoder, qc *QC) {
	e.WriteUint64(qc.View)
	e.WriteFixed(qc.BlockHash[:])
	e.WriteUint8(uint8(qc.Phase))
	wire.WriteSlice(e, qc.Votes, encodeVote)
}

func decodeQC(d *wire.Decoder) (*QC, error) {
	qc := &QC{}
	var err error
	if qc.View, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	v, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return nil, err
	}
	copy(qc.BlockHash[:], v)
	phase, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	qc.Phase = Phase(phase)
	if qc.Votes, err = wire.ReadSlice(d, decodeVote); err != nil {
		return nil, err
	}
	return qc, nil
}

func encodeVote(e *wire.Encoder, v Vote) {
	e.WriteUint64(v.View)
	e.WriteFixed(v.BlockHash[:])
	e.WriteUint8(uint8(v.Phase))
	e.WriteFixed(v.Voter[:])
	e.WriteFixed(v.Signature[:])
}

func decodeVote(d *wire.Decoder) (Vote, error) {
	var v Vote
	var err error
	if v.View, err = d.ReadUint64(); err != nil {
		return v, err
	}
	h, err := d.ReadFixed(crypto.HashSize)
	if err != nil {
		return v, err
	}
	copy(v.BlockHash[:], h)
	phase, err := d.ReadUint8()
	if err != nil {
		return v, err
	}
	v.Phase = Phase(phase)
	pub, err := d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return v, err
	}
	copy(v.Voter[:], pub)
	sig, err := d.ReadFixed(crypto.SignatureSize)
	if err != nil {
		return v, err
	}
	copy(v.Signature[:], sig)
	return v, nil
}

func encodeTimeoutVote(e *wire.Encoder, t TimeoutVote) {
	e.WriteUint64(t.View)
	e.WriteFixed(t.Voter[:])
	e.WriteUint64(t.HighestQCView)
	e.WriteFixed(t.Signature[:])
}

func decodeTimeoutVote(d *wire.Decoder) (TimeoutVote, error) {
	var t TimeoutVote
	var err error
	if t.View, err = d.ReadUint64(); err != nil {
		return t, err
	}
	pub, err := d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return t, err
	}
	copy(t.Voter[:], pub)
	if t.HighestQCView, err = d.ReadUint64(); err != nil {
		return t, err
	}
	sig, err := d.ReadFixed(crypto.SignatureSize)
	if err != nil {
		return t, err
	}
	copy(t.Signature[:], sig)
	return t, nil
}

func encodeOptionalQC(e *wire.Encoder, qc *QC) {
	e.WriteBool(qc != nil)
	if qc != nil {
		encodeQC(e, qc)
	}
}

func decodeOptionalQC(d *wire.Decoder) (*QC, error) {
	present, err := d.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	return decodeQC(d)
}

// Encode returns m's canonical binary encoding, suitable as a
// wire.MessageEnvelope payload under wire.MsgConsensus.
func (m *ConsensusMessage) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteUint8(uint8(m.Kind))
	switch m.Kind {
	case KindVote:
		encodeVote(e, *m.Vote)
	case KindTimeoutVote:
		encodeTimeoutVote(e, *m.TimeoutVote)
	case KindPrepare:
		e.WriteUint64(m.Prepare.View)
		e.WriteFixed(m.Prepare.BlockHash[:])
		e.WriteBytes(weave.EncodeBlock(m.Prepare.Block))
		encodeOptionalQC(e, m.Prepare.Justify)
	case KindPreCommit:
		e.WriteUint64(m.PreCommit.View)
		encodeQC(e, m.PreCommit.PrepareQC)
	case KindCommit:
		e.WriteUint64(m.Commit.View)
		encodeQC(e, m.Commit.PreCommitQC)
	case KindNewView:
		e.WriteUint64(m.NewView.View)
		p := m.NewView.Proof
		e.WriteUint64(p.OldView)
		e.WriteUint64(p.NewView)
		wire.WriteSlice(e, p.TimeoutVotes, encodeTimeoutVote)
		encodeOptionalQC(e, p.HighestQC)
	case KindFinalize:
		encodeQC(e, m.Finalize)
	}
	return e.Bytes()
}

// DecodeConsensusMessage parses a message previously produced by Encode.
func DecodeConsensusMessage(b []byte) (*ConsensusMessage, error) {
	d := wire.NewDecoder(b)
	kind, err := d.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("consensus: message kind: %w", err)
	}
	m := &ConsensusMessage{Kind: ConsensusKind(kind)}
	switch m.Kind {
	case KindVote:
		v, err := decodeVote(d)
		if err != nil {
			return nil, err
		}
		m.Vote = &v
	case KindTimeoutVote:
		t, err := decodeTimeoutVote(d)
		if err != nil {
			return nil, err
		}
		m.TimeoutVote = &t
	case KindPrepare:
		p := &Prepare{}
		if p.View, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		h, err := d.ReadFixed(crypto.HashSize)
		if err != nil {
			return nil, err
		}
		copy(p.BlockHash[:], h)
		blockBytes, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		if p.Block, err = weave.DecodeBlock(blockBytes); err != nil {
			return nil, fmt.Errorf("consensus: prepare block: %w", err)
		}
		if p.Justify, err = decodeOptionalQC(d); err != nil {
			return nil, err
		}
		m.Prepare = p
	case KindPreCommit:
		pc := &PreCommit{}
		if pc.View, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if pc.PrepareQC, err = decodeQC(d); err != nil {
			return nil, err
		}
		m.PreCommit = pc
	case KindCommit:
		cm := &Commit{}
		if cm.View, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if cm.PreCommitQC, err = decodeQC(d); err != nil {
			return nil, err
		}
		m.Commit = cm
	case KindNewView:
		nv := &NewView{}
		if nv.View, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		p := &ViewChangeProof{}
		if p.OldView, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if p.NewView, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if p.TimeoutVotes, err = wire.ReadSlice(d, decodeTimeoutVote); err != nil {
			return nil, err
		}
		if p.HighestQC, err = decodeOptionalQC(d); err != nil {
			return nil, err
		}
		nv.Proof = p
		m.NewView = nv
	case KindFinalize:
		if m.Finalize, err = decodeQC(d); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("consensus: unknown message kind %d", kind)
	}
	return m, nil
}
