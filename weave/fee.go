package weave

// FeeState tracks the weave's EIP-1559-style adaptive fee multiplier
// (spec.md §4.2 "Fee market"). BaseFee is a protocol constant set at
// genesis; FeeMultiplier is adjusted block-over-block by utilization and
// persisted as part of weave state.
type FeeState struct {
	BaseFee       uint64
	FeeMultiplier uint64 // fixed-point, scaled by 1000 (1000 == 1.0x)
}

const (
	minFeeMultiplier = 100
	maxFeeMultiplier = 10_000

	feeMultiplierUpNum, feeMultiplierUpDen     = 9, 8
	feeMultiplierDownNum, feeMultiplierDownDen = 7, 8
)

// NewFeeState returns the genesis fee state: the given base fee at 1.0x.
func NewFeeState(baseFee uint64) *FeeState {
	return &FeeState{BaseFee: baseFee, FeeMultiplier: 1000}
}

// CurrentFee returns the per-knot fee charged at the current multiplier:
// fee = base_fee * fee_multiplier / 1000 (spec.md §4.2).
func (f *FeeState) CurrentFee() uint64 {
	return f.BaseFee * f.FeeMultiplier / 1000
}

// AdjustForUtilization updates the multiplier after a block: above 50%
// capacity utilization, it scales up by 9/8; below, down by 7/8; clamped to
// [100, 10000] (spec.md §4.2 "Fee market adjustment").
func (f *FeeState) AdjustForUtilization(used, capacity int) {
	if capacity <= 0 {
		return
	}
	switch {
	case 2*used > capacity:
		f.FeeMultiplier = f.FeeMultiplier * feeMultiplierUpNum / feeMultiplierUpDen
	case 2*used < capacity:
		f.FeeMultiplier = f.FeeMultiplier * feeMultiplierDownNum / feeMultiplierDownDen
	}
	if f.FeeMultiplier < minFeeMultiplier {
		f.FeeMultiplier = minFeeMultiplier
	}
	if f.FeeMultiplier > maxFeeMultiplier {
		f.FeeMultiplier = maxFeeMultiplier
	}
}
