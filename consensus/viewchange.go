package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
)

// OnTimeout is called when this replica's phase timer for view expires. It
// builds and signs a TimeoutVote reporting the highest Commit QC view this
// replica has observed, so the next leader can safely re-propose
// (spec.md §4.3 "Liveness: on timeout, broadcast TimeoutVote").
func (r *Replica) OnTimeout(view uint64) *TimeoutVote {
	highest := uint64(0)
	if qc := r.safety.HighestQC(PhaseCommit); qc != nil {
		highest = qc.View
	}
	t := &TimeoutVote{View: view, Voter: r.pub, HighestQCView: highest}
	t.Sign(r.priv)
	return t
}

// CollectTimeoutVote folds a TimeoutVote into the tally for its view,
// returning a ViewChangeProof once 2f+1 validators have timed out on it.
func (r *Replica) CollectTimeoutVote(t *TimeoutVote) (*ViewChangeProof, error) {
	if err := t.Verify(); err != nil {
		return nil, fmt.Errorf("consensus: timeout vote signature: %w", err)
	}
	byVoter, ok := r.timeoutVotes[t.View]
	if !ok {
		byVoter = make(map[crypto.PublicKey]TimeoutVote)
		r.timeoutVotes[t.View] = byVoter
	}
	byVoter[t.Voter] = *t
	_, quorum := r.vs.Quorum()
	if len(byVoter) < quorum {
		return nil, nil
	}
	proof := &ViewChangeProof{OldView: t.View, NewView: t.View + 1}
	for _, v := range byVoter {
		proof.TimeoutVotes = append(proof.TimeoutVotes, v)
		if hq := r.highestQCSeenAtView(v.HighestQCView); hq != nil {
			if proof.HighestQC == nil || hq.View > proof.HighestQC.View {
				proof.HighestQC = hq
			}
		}
	}
	delete(r.timeoutVotes, t.View)
	return proof, nil
}

// highestQCSeenAtView returns this replica's own highest Commit QC if it
// matches the view a timed-out peer reported, letting the aggregator
// forward a QC it holds even when the peer only reported the view number.
func (r *Replica) highestQCSeenAtView(view uint64) *QC {
	qc := r.safety.HighestQC(PhaseCommit)
	if qc != nil && qc.View == view {
		return qc
	}
	return nil
}

// OnNewView validates an incoming view-change and advances this replica to
// the new view, clearing any stale pending proposal (spec.md §4.3
// "Liveness: the new leader assembles a ViewChangeProof and a NewView").
func (r *Replica) OnNewView(msg *NewView) error {
	if err := msg.Proof.Verify(r.vs); err != nil {
		return fmt.Errorf("consensus: view-change proof: %w", err)
	}
	if msg.Proof.NewView != msg.View {
		return fmt.Errorf("consensus: new-view message view does not match proof's new view")
	}
	if msg.View <= r.view {
		return fmt.Errorf("consensus: new-view %d does not advance current view %d", msg.View, r.view)
	}
	if msg.Proof.HighestQC != nil {
		r.safety.RecordQC(msg.Proof.HighestQC)
	}
	r.view = msg.View
	r.pendingBlock = nil
	return nil
}

// AssembleNewView lets the new leader (for proof.NewView) package an
// assembled ViewChangeProof for broadcast.
func AssembleNewView(proof *ViewChangeProof) *NewView {
	return &NewView{View: proof.NewView, Proof: proof}
}
