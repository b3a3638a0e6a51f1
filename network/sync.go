package network

import (
	"log"

	"github.com/tolelom/norn/consensus"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

// Syncer answers and issues state-sync requests over the network, leaving
// all verification and application logic to consensus.BuildStateResponse/
// ApplyStateSync (spec.md §7 "State sync"). Grounded on the teacher's
// network/sync.go (GetBlocks request/response pair registered on a Node),
// generalized from a raw core.Blockchain height range to the genesis-hash
// guarded consensus.StateRequest/StateResponse pair.
type Syncer struct {
	node        *Node
	chain       *weave.Chain
	genesisHash crypto.Hash
	now         func() uint64
}

// NewSyncer registers state-sync handlers on node and returns a Syncer
// that applies accepted responses to chain.
func NewSyncer(node *Node, chain *weave.Chain, genesisHash crypto.Hash, now func() uint64) *Syncer {
	s := &Syncer{node: node, chain: chain, genesisHash: genesisHash, now: now}
	node.Handle(wire.MsgStateRequest, s.handleStateRequest)
	node.Handle(wire.MsgStateResponse, s.handleStateResponse)
	return s
}

// RequestState asks peer for every block after the local chain's height.
func (s *Syncer) RequestState(peer *Peer) error {
	req := &consensus.StateRequest{CurrentHeight: s.chain.Height(), GenesisHash: s.genesisHash}
	return peer.Send(wire.NewEnvelope(wire.MsgStateRequest, req.Encode()))
}

func (s *Syncer) handleStateRequest(peer *Peer, env wire.MessageEnvelope) {
	req, err := consensus.DecodeStateRequest(env.Payload)
	if err != nil {
		log.Printf("[sync] decode state request from %s: %v", peer.ID, err)
		return
	}
	resp, err := consensus.BuildStateResponse(s.chain.Store, s.genesisHash, req)
	if err != nil {
		log.Printf("[sync] build state response for %s: %v", peer.ID, err)
		return
	}
	if err := peer.Send(wire.NewEnvelope(wire.MsgStateResponse, resp.Encode())); err != nil {
		log.Printf("[sync] send state response to %s: %v", peer.ID, err)
	}
}

func (s *Syncer) handleStateResponse(peer *Peer, env wire.MessageEnvelope) {
	resp, err := consensus.DecodeStateResponse(env.Payload)
	if err != nil {
		log.Printf("[sync] decode state response from %s: %v", peer.ID, err)
		return
	}
	if err := consensus.ApplyStateSync(s.chain, s.genesisHash, resp, s.now()); err != nil {
		log.Printf("[sync] apply state response from %s: %v", peer.ID, err)
	}
}
