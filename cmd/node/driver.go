package main

import (
	"log"

	"github.com/tolelom/norn/consensus"
	"github.com/tolelom/norn/network"
	"github.com/tolelom/norn/wire"
)

// bftDriver adapts consensus.Replica's synchronous, method-call-driven
// state machine onto the network: every message this validator produces
// is broadcast and, since Node.Broadcast never loops a message back to its
// sender, also fed straight into the replica locally so the proposer
// votes on and finalizes its own blocks exactly like any other replica
// (spec.md §4.3 "Happy path").
type bftDriver struct {
	replica *consensus.Replica
	node    *network.Node
	now     func() uint64
}

// maybePropose builds and broadcasts the next block if this validator
// leads the current view.
func (d *bftDriver) maybePropose() {
	if !d.replica.IsLeader() {
		return
	}
	prepare, err := d.replica.ProposePrepare(d.now(), nil, nil)
	if err != nil {
		log.Printf("[consensus] propose: %v", err)
		return
	}
	d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindPrepare, Prepare: prepare})
}

// onMessage is the network.MessageHandler registered for wire.MsgConsensus.
func (d *bftDriver) onMessage(_ *network.Peer, env wire.MessageEnvelope) {
	msg, err := consensus.DecodeConsensusMessage(env.Payload)
	if err != nil {
		log.Printf("[consensus] decode message: %v", err)
		return
	}
	d.process(msg)
}

// broadcast sends msg to every peer, then applies it locally.
func (d *bftDriver) broadcast(msg *consensus.ConsensusMessage) {
	d.node.Broadcast(wire.NewEnvelope(wire.MsgConsensus, msg.Encode()))
	d.process(msg)
}

// process advances the replica's state machine by one message, broadcasting
// whatever message that produces in turn. Derived messages are only ever
// broadcast from here (never re-broadcast on receipt), so the chain
// Prepare -> Vote -> PreCommit -> Vote -> Commit -> Vote -> Finalize
// terminates instead of echoing.
func (d *bftDriver) process(msg *consensus.ConsensusMessage) {
	switch msg.Kind {
	case consensus.KindPrepare:
		vote, err := d.replica.OnPrepare(msg.Prepare, d.now())
		if err != nil {
			log.Printf("[consensus] on-prepare: %v", err)
			return
		}
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindVote, Vote: vote})

	case consensus.KindVote:
		d.onVote(msg.Vote)

	case consensus.KindPreCommit:
		vote, err := d.replica.OnPreCommit(msg.PreCommit)
		if err != nil {
			log.Printf("[consensus] on-pre-commit: %v", err)
			return
		}
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindVote, Vote: vote})

	case consensus.KindCommit:
		vote, err := d.replica.OnCommit(msg.Commit)
		if err != nil {
			log.Printf("[consensus] on-commit: %v", err)
			return
		}
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindVote, Vote: vote})

	case consensus.KindFinalize:
		b, err := d.replica.Finalize(msg.Finalize, d.now())
		if err != nil {
			log.Printf("[consensus] finalize: %v", err)
			return
		}
		log.Printf("[consensus] committed block %d (%s)", b.Header.Height, b.Hash)
	}
}

func (d *bftDriver) onVote(v *consensus.Vote) {
	var (
		qc  *consensus.QC
		err error
	)
	switch v.Phase {
	case consensus.PhasePrepare:
		qc, err = d.replica.CollectPrepareVote(v)
	case consensus.PhasePreCommit:
		qc, err = d.replica.CollectPreCommitVote(v)
	case consensus.PhaseCommit:
		qc, err = d.replica.CollectCommitVote(v)
	default:
		log.Printf("[consensus] vote with unknown phase %d", v.Phase)
		return
	}
	if err != nil {
		log.Printf("[consensus] collect vote: %v", err)
		return
	}
	if qc == nil || !d.replica.IsLeader() {
		return
	}
	switch v.Phase {
	case consensus.PhasePrepare:
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindPreCommit, PreCommit: consensus.BuildPreCommit(qc)})
	case consensus.PhasePreCommit:
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindCommit, Commit: consensus.BuildCommit(qc)})
	case consensus.PhaseCommit:
		d.broadcast(&consensus.ConsensusMessage{Kind: consensus.KindFinalize, Finalize: qc})
	}
}
