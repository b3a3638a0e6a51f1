// Package loom implements the deterministic, gas-metered WASM contract
// runtime (spec.md §4.4 "WASM loom runtime"). Grounded on
// original_source/norn-loom/src/{gas,call_stack,state,dispute,host}.rs,
// the Rust precursor this package's Go rewrite is drawn from, and built
// in the teacher's handler-registry idiom (vm/registry.go's closure
// dispatch becomes loom's ScriptEngine test double; its single-signer
// execution context becomes HostState).
package loom

import "fmt"

// Gas pricing table (spec.md §4.4 "Gas metering"), grounded directly on
// original_source/norn-loom/src/gas.rs's constants.
const (
	GasPerInstruction uint64 = 1
	GasStateRead      uint64 = 100
	GasStateWrite     uint64 = 200
	GasByteRead       uint64 = 1
	GasByteWrite      uint64 = 2
	GasTransfer       uint64 = 500
	GasLog            uint64 = 50
	GasEmitEvent      uint64 = 75

	// DefaultGasLimit is the gas ceiling a transaction gets when it does
	// not specify one explicitly.
	DefaultGasLimit uint64 = 10_000_000
)

// GasMeter tracks consumption against a fixed limit for a single
// execution (including any cross-contract calls it makes, which share
// the same meter). Grounded on original_source/norn-loom/src/gas.rs's
// GasMeter.
type GasMeter struct {
	limit uint64
	used  uint64
}

// NewGasMeter returns a meter with used=0 and the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Charge deducts amount from the budget. On overflow or when the
// attempted total exceeds the limit, used is still set to the attempted
// total (saturating at max uint64) so the returned error can report how
// far over budget the call went, matching gas.rs's charge().
func (g *GasMeter) Charge(amount uint64) error {
	attempted := g.used + amount
	if attempted < g.used {
		attempted = ^uint64(0)
	}
	g.used = attempted
	if g.used > g.limit {
		return fmt.Errorf("loom: out of gas: used %d exceeds limit %d", g.used, g.limit)
	}
	return nil
}

// Used returns the gas consumed so far (including any charge that put
// the meter over its limit).
func (g *GasMeter) Used() uint64 { return g.used }

// Remaining returns the gas left before the limit is reached, or 0 if
// the meter is already at or past its limit.
func (g *GasMeter) Remaining() uint64 {
	if g.used >= g.limit {
		return 0
	}
	return g.limit - g.used
}

// Limit returns the meter's fixed gas ceiling.
func (g *GasMeter) Limit() uint64 { return g.limit }
