package weave

// Exported aliases over the block-local canonical encoders, so the
// gossip layer (wire.MessageEnvelope payloads) and the RPC facade can
// serialize weave domain objects without duplicating their encoding
// (spec.md §6 "Wire encoding" — reuse the same canonical form for both
// storage and the network).

// EncodeBlock returns b's canonical binary encoding, the same bytes
// Store.PutBlock persists.
func EncodeBlock(b *Block) []byte { return encodeBlock(b) }

// DecodeBlock parses a block previously produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) { return decodeBlock(data) }

// EncodeRegistration returns r's canonical binary encoding.
func EncodeRegistration(r *Registration) []byte { return encodeRegistration(r) }

// DecodeRegistration parses a registration previously produced by
// EncodeRegistration.
func DecodeRegistration(b []byte) (*Registration, error) { return decodeRegistrationBytes(b) }

// EncodeAnchor returns a's canonical binary encoding.
func EncodeAnchor(a *Anchor) []byte { return encodeAnchor(a) }

// DecodeAnchor parses an anchor previously produced by EncodeAnchor.
func DecodeAnchor(b []byte) (*Anchor, error) { return decodeAnchorBytes(b) }

// EncodeFraudSubmission returns s's full canonical binary encoding
// (including its double-knot or invalid-transition payload).
func EncodeFraudSubmission(s *FraudProofEntry) []byte { return encodeFraudSubmission(s) }

// DecodeFraudSubmission parses a submission previously produced by
// EncodeFraudSubmission.
func DecodeFraudSubmission(b []byte) (*FraudProofEntry, error) { return decodeFraudSubmission(b) }
