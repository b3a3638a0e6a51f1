package wire

import "fmt"

// ProtocolVersion is the current gossip wire version. A peer that
// receives an envelope carrying a higher version than it understands
// rejects the message instead of guessing at forward compatibility
// (spec.md §6 "Wire encoding" / §13 legacy-envelope handling).
const ProtocolVersion uint8 = 8

// MessageType tags the payload carried by a MessageEnvelope. Values are
// stable across protocol versions; a new message kind gets a new value,
// never a reused one.
type MessageType uint8

const (
	MsgKnotProposal MessageType = iota
	MsgKnotResponse
	MsgCommitment
	MsgRegistration
	MsgRelay
	MsgSpindleReg
	MsgSpindleStatus
	MsgAlert
	MsgFraudProof
	MsgBlock
	MsgConsensus
	MsgStateRequest
	MsgStateResponse
)

func (t MessageType) String() string {
	switch t {
	case MsgKnotProposal:
		return "knot_proposal"
	case MsgKnotResponse:
		return "knot_response"
	case MsgCommitment:
		return "commitment"
	case MsgRegistration:
		return "registration"
	case MsgRelay:
		return "relay"
	case MsgSpindleReg:
		return "spindle_reg"
	case MsgSpindleStatus:
		return "spindle_status"
	case MsgAlert:
		return "alert"
	case MsgFraudProof:
		return "fraud_proof"
	case MsgBlock:
		return "block"
	case MsgConsensus:
		return "consensus"
	case MsgStateRequest:
		return "state_request"
	case MsgStateResponse:
		return "state_response"
	default:
		return "unknown"
	}
}

// GossipTopic returns the versioned pubsub topic name for a logical
// channel (spec.md §6 "Gossip topics are versioned": "norn/blocks/v8").
func GossipTopic(name string) string {
	return fmt.Sprintf("norn/%s/v%d", name, ProtocolVersion)
}

// MessageEnvelope is the outermost framing every gossip and direct-peer
// message is wrapped in: a version byte, a message-type byte, and an
// opaque canonically-encoded payload whose shape depends on Type
// (spec.md §6 "MessageEnvelope{version: u8, message_type: u8, payload:
// bytes}"). The envelope itself never interprets Payload — each message
// kind's own Encode/Decode (thread.Header, weave.Registration, ...,
// consensus's vote/QC types) does that, keeping wire free of a dependency
// on every domain package that produces a gossip message.
type MessageEnvelope struct {
	Version uint8
	Type    MessageType
	Payload []byte
}

// NewEnvelope wraps payload for gossip at the current ProtocolVersion.
func NewEnvelope(typ MessageType, payload []byte) MessageEnvelope {
	return MessageEnvelope{Version: ProtocolVersion, Type: typ, Payload: payload}
}

// Encode returns e's canonical binary encoding.
func (e MessageEnvelope) Encode() []byte {
	enc := NewEncoder()
	enc.WriteUint8(e.Version)
	enc.WriteUint8(uint8(e.Type))
	enc.WriteBytes(e.Payload)
	return enc.Bytes()
}

// DecodeEnvelope parses an envelope previously produced by Encode. A
// version byte below 1 or unreasonably high (more than double the
// current ProtocolVersion) is rejected outright as malformed rather than
// silently accepted; anything else is returned so the caller can compare
// it against ProtocolVersion and decide whether to drop an
// unrecognized-but-plausible future version (spec.md §13 "Open question:
// legacy envelope coexistence" — decided: log and drop, no dual decode
// path).
func DecodeEnvelope(b []byte) (MessageEnvelope, error) {
	d := NewDecoder(b)
	version, err := d.ReadUint8()
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("wire: envelope version: %w", err)
	}
	if version == 0 || version > ProtocolVersion*2 {
		return MessageEnvelope{}, fmt.Errorf("wire: implausible envelope version %d", version)
	}
	typ, err := d.ReadUint8()
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("wire: envelope message type: %w", err)
	}
	payload, err := d.ReadBytes()
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("wire: envelope payload: %w", err)
	}
	return MessageEnvelope{Version: version, Type: MessageType(typ), Payload: payload}, nil
}
