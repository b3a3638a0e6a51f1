package thread

import (
	"fmt"
	"sort"
	"time"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/wire"
)

// KnotType tags the payload shape a knot carries.
type KnotType uint8

const (
	KnotTransfer KnotType = iota
	KnotMultiTransfer
	KnotLoomInteraction
)

// MaxTimestampDrift bounds how far a knot's timestamp may sit ahead of
// wall clock before it is rejected (spec.md §4.1).
const MaxTimestampDrift = 5 * 60 // seconds

// TransferLeg is one sender/recipient/token/amount movement within a
// Transfer or MultiTransfer knot.
type TransferLeg struct {
	From   crypto.Address
	To     crypto.Address
	Token  crypto.Hash
	Amount amount.Amount
}

func (l TransferLeg) encode(e *wire.Encoder) {
	e.WriteFixed(l.From[:])
	e.WriteFixed(l.To[:])
	e.WriteFixed(l.Token[:])
	b := l.Amount.Bytes()
	e.WriteFixed(b[:])
}

// Payload is the knot's tagged operation body. Only the fields relevant
// to Type are populated; all fields are always canonically encoded so
// the id computation is unambiguous regardless of type.
type Payload struct {
	Transfers []TransferLeg // Transfer (len 1) / MultiTransfer (len >= 1)
	LoomId    crypto.Hash   // LoomInteraction
	Input     []byte        // LoomInteraction
}

func (p Payload) encode(e *wire.Encoder) {
	wire.WriteSlice(e, p.Transfers, func(e *wire.Encoder, l TransferLeg) { l.encode(e) })
	e.WriteFixed(p.LoomId[:])
	e.WriteBytes(p.Input)
}

// ParticipantState is one participant's claimed thread status immediately
// before or after a knot is applied.
type ParticipantState struct {
	ThreadId  crypto.Address
	PubKey    crypto.PublicKey
	Version   uint64
	StateHash crypto.Hash
}

func (p ParticipantState) encode(e *wire.Encoder) {
	e.WriteFixed(p.ThreadId[:])
	e.WriteFixed(p.PubKey[:])
	e.WriteUint64(p.Version)
	e.WriteFixed(p.StateHash[:])
}

// Knot is a bilateral or multilateral co-signed state transition
// (spec.md §3 "Knot").
type Knot struct {
	Id         crypto.Hash
	Type       KnotType
	Timestamp  uint64
	Expiry     uint64 // 0 means no expiry
	Before     []ParticipantState
	After      []ParticipantState
	Payload    Payload
	Signatures []crypto.Signature // one per participant, in Before order
}

// idBytes canonically encodes every field except Signatures, the body
// over which Id (and every signature) is computed.
func (k *Knot) idBytes() []byte {
	e := wire.NewEncoder()
	e.WriteUint8(uint8(k.Type))
	e.WriteUint64(k.Timestamp)
	e.WriteUint64(k.Expiry)
	wire.WriteSlice(e, k.Before, func(e *wire.Encoder, p ParticipantState) { p.encode(e) })
	wire.WriteSlice(e, k.After, func(e *wire.Encoder, p ParticipantState) { p.encode(e) })
	k.Payload.encode(e)
	return e.Bytes()
}

// ComputeId returns BLAKE3 over every field except Signatures.
func (k *Knot) ComputeId() crypto.Hash {
	return crypto.SumKeyed("norn.knot-id", k.idBytes())
}

// participantOf looks up a participant's Before/After entry by thread id.
func participantOf(states []ParticipantState, id crypto.Address) (ParticipantState, bool) {
	for _, p := range states {
		if p.ThreadId == id {
			return p, true
		}
	}
	return ParticipantState{}, false
}

// Builder assembles a knot from participant snapshots, in the order
// participants are added, and attaches signatures once all parties sign
// (spec.md §4.1 "Knot construction (builder)").
type Builder struct {
	typ       KnotType
	timestamp uint64
	expiry    uint64
	before    []ParticipantState
	after     []ParticipantState
	payload   Payload
}

// NewBuilder starts a knot of the given type at the given timestamp.
func NewBuilder(typ KnotType, timestamp uint64) *Builder {
	return &Builder{typ: typ, timestamp: timestamp}
}

// WithExpiry sets an expiry timestamp (0 disables the check).
func (b *Builder) WithExpiry(expiry uint64) *Builder {
	b.expiry = expiry
	return b
}

// WithPayload sets the knot's payload body.
func (b *Builder) WithPayload(p Payload) *Builder {
	b.payload = p
	return b
}

// AddParticipant records one participant's before/after snapshot. Order
// of calls determines signature order.
func (b *Builder) AddParticipant(before, after ParticipantState) *Builder {
	b.before = append(b.before, before)
	b.after = append(b.after, after)
	return b
}

// Build computes the knot id from the accumulated fields. Signatures must
// be attached afterward via Knot.Sign, once by each participant.
func (b *Builder) Build() *Knot {
	k := &Knot{
		Type:       b.typ,
		Timestamp:  b.timestamp,
		Expiry:     b.expiry,
		Before:     b.before,
		After:      b.after,
		Payload:    b.payload,
		Signatures: make([]crypto.Signature, len(b.before)),
	}
	k.Id = k.ComputeId()
	return k
}

// Sign signs k.Id with priv and attaches it at the position of the
// participant owning pub (participant order, not call order).
func (k *Knot) Sign(pub crypto.PublicKey, priv crypto.PrivateKey) error {
	for i, p := range k.Before {
		if p.PubKey == pub {
			k.Signatures[i] = crypto.Sign(priv, k.Id[:])
			return nil
		}
	}
	return fmt.Errorf("thread: %s is not a participant of this knot", pub.Hex())
}

// Validate checks every structural invariant from spec.md §4.1 "Knot
// validation" that does not require re-executing the payload against live
// thread state (that recomputation happens in ApplyKnot, per participant).
func (k *Knot) Validate(now uint64, prevTimestamp uint64) error {
	if k.ComputeId() != k.Id {
		return fmt.Errorf("thread: knot id mismatch")
	}
	if len(k.Signatures) != len(k.Before) {
		return fmt.Errorf("thread: expected %d signatures, got %d", len(k.Before), len(k.Signatures))
	}
	if len(k.Before) != len(k.After) {
		return fmt.Errorf("thread: before/after participant count mismatch")
	}
	for i, p := range k.Before {
		if err := crypto.Verify(p.PubKey, k.Id[:], k.Signatures[i]); err != nil {
			return fmt.Errorf("thread: signature invalid for participant %d (%s): %w", i, p.ThreadId, err)
		}
		after, ok := participantOf(k.After, p.ThreadId)
		if !ok {
			return fmt.Errorf("thread: participant %s missing from after-states", p.ThreadId)
		}
		if after.Version != p.Version+1 {
			return fmt.Errorf("thread: participant %s version must increment by exactly 1", p.ThreadId)
		}
	}
	if k.Timestamp > now+MaxTimestampDrift {
		return fmt.Errorf("thread: knot timestamp too far in future")
	}
	if k.Timestamp < prevTimestamp {
		return fmt.Errorf("thread: knot timestamp precedes previous knot")
	}
	if k.Expiry != 0 && k.Expiry < k.Timestamp {
		return fmt.Errorf("thread: knot expiry before its own timestamp")
	}
	if err := k.validatePayloadArithmetic(); err != nil {
		return err
	}
	return nil
}

// validatePayloadArithmetic enforces that transfer legs balance: the sum
// debited equals the sum credited per token (spec.md §4.1 "payload
// arithmetic inconsistent").
func (k *Knot) validatePayloadArithmetic() error {
	switch k.Type {
	case KnotTransfer, KnotMultiTransfer:
		debited := make(map[crypto.Hash]amount.Amount)
		credited := make(map[crypto.Hash]amount.Amount)
		for _, leg := range k.Payload.Transfers {
			var overflow bool
			debited[leg.Token], overflow = debited[leg.Token].Add(leg.Amount)
			if overflow {
				return fmt.Errorf("thread: transfer leg overflow")
			}
			credited[leg.Token], overflow = credited[leg.Token].Add(leg.Amount)
			if overflow {
				return fmt.Errorf("thread: transfer leg overflow")
			}
		}
		tokens := make(map[crypto.Hash]bool)
		for t := range debited {
			tokens[t] = true
		}
		for t := range credited {
			tokens[t] = true
		}
		sortedTokens := make([]crypto.Hash, 0, len(tokens))
		for t := range tokens {
			sortedTokens = append(sortedTokens, t)
		}
		sort.Slice(sortedTokens, func(i, j int) bool { return string(sortedTokens[i][:]) < string(sortedTokens[j][:]) })
		for _, t := range sortedTokens {
			if debited[t].Cmp(credited[t]) != 0 {
				return fmt.Errorf("thread: transfer leg imbalance for token %s", t)
			}
		}
		return nil
	case KnotLoomInteraction:
		return nil
	default:
		return fmt.Errorf("thread: unknown knot type %d", k.Type)
	}
}

// NowUnix returns the current Unix timestamp in seconds, used by callers
// building or validating knots against wall clock.
func NowUnix() uint64 { return uint64(time.Now().Unix()) }
