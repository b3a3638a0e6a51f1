package weave

import (
	"sort"

	"github.com/tolelom/norn/crypto"
)

// Validator is one member of the active validator set (spec.md §3
// "Weave state" / §4.2 "Leader rotation").
type Validator struct {
	PubKey crypto.PublicKey
	Stake  uint64
}

// ValidatorSet is the process-wide, stake-sorted validator list consulted
// for leader rotation and epoch rewards. Grounded on the teacher's
// consensus/poa.go round-robin index (cfg.Validators[height % N]),
// generalized from a flat config list to a stake-sorted set with
// view-indexed leader selection.
type ValidatorSet struct {
	validators []Validator // sorted by stake descending, stable on ties
}

// NewValidatorSet builds a validator set from an unsorted list, sorting by
// stake descending with a stable tie-break on input order so every node
// that starts from the same genesis validator list derives the same
// leader schedule.
func NewValidatorSet(validators []Validator) *ValidatorSet {
	vs := make([]Validator, len(validators))
	copy(vs, validators)
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Stake > vs[j].Stake })
	return &ValidatorSet{validators: vs}
}

// Len returns the number of validators, N.
func (v *ValidatorSet) Len() int { return len(v.validators) }

// Validators returns the stake-sorted validator list.
func (v *ValidatorSet) Validators() []Validator { return v.validators }

// Leader returns the leader for a given consensus view:
// leader(view) = validators[view mod N] (spec.md §4.2 "Leader rotation").
func (v *ValidatorSet) Leader(view uint64) (Validator, bool) {
	if len(v.validators) == 0 {
		return Validator{}, false
	}
	return v.validators[view%uint64(len(v.validators))], true
}

// Quorum returns f = floor((N-1)/3) and the quorum size 2f+1 (spec.md
// §4.3 "Quorum").
func (v *ValidatorSet) Quorum() (f int, quorum int) {
	n := len(v.validators)
	if n == 0 {
		return 0, 0
	}
	f = (n - 1) / 3
	return f, 2*f + 1
}

func (v *ValidatorSet) totalStake() uint64 {
	var total uint64
	for _, val := range v.validators {
		total += val.Stake
	}
	return total
}

// EpochRewards distributes epochFees proportionally to stake:
// reward_i = floor(epoch_fees * stake_i / total_stake), with the dust
// remainder assigned to the highest-staked (first) validator so the
// distribution is exactly conservative (spec.md §4.2 "Epoch rewards").
func (v *ValidatorSet) EpochRewards(epochFees uint64) map[crypto.PublicKey]uint64 {
	rewards := make(map[crypto.PublicKey]uint64, len(v.validators))
	if len(v.validators) == 0 {
		return rewards
	}
	total := v.totalStake()
	if total == 0 {
		return rewards
	}
	var distributed uint64
	for _, val := range v.validators {
		r := epochFees * val.Stake / total
		rewards[val.PubKey] = r
		distributed += r
	}
	rewards[v.validators[0].PubKey] += epochFees - distributed
	return rewards
}
