package loom

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-interpreter/wagon/exec"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
)

// Engine executes loom bytecode against a HostState and returns the
// bytes the contract's entrypoint wrote as its result (spec.md §4.4
// "Execution model"). Two implementations exist: WagonEngine, the
// production sandboxed WASM interpreter, and ScriptEngine, a pure-Go
// test double in the teacher's vm/registry.go closure-dispatch style.
type Engine interface {
	Execute(bytecode []byte, entrypoint string, input []byte, host *HostState) ([]byte, error)
}

// WagonEngine runs compiled WASM bytecode through
// github.com/go-interpreter/wagon, a pure-Go WASM interpreter with no
// JIT and no ambient syscall surface — exactly the sandboxing norn needs
// for deterministic, replayable contract execution (spec.md §4.4
// "Deterministic, gas-metered"). The only imports a loom module may
// resolve are the host functions this file registers under the module
// name "norn".
type WagonEngine struct{}

// NewWagonEngine returns the production loom Engine.
func NewWagonEngine() *WagonEngine { return &WagonEngine{} }

// memoryArgOffset is where input/output byte buffers are staged in a
// loom instance's linear memory by convention; entrypoints receive
// (ptr, len) pairs pointing into this region rather than WASM locals
// carrying whole buffers, since WASM values are limited to integers.
const memoryArgOffset = 1024

func (e *WagonEngine) Execute(bytecode []byte, entrypoint string, input []byte, host *HostState) ([]byte, error) {
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("loom: empty bytecode")
	}
	module, err := wasm.ReadModule(bytes.NewReader(bytecode), func(name string) (*wasm.Module, error) {
		if name != "norn" {
			return nil, fmt.Errorf("loom: unknown import module %q", name)
		}
		return hostModule(host), nil
	})
	if err != nil {
		return nil, fmt.Errorf("loom: decode wasm module: %w", err)
	}
	if module.Export == nil {
		return nil, fmt.Errorf("loom: module has no exports")
	}
	entry, ok := module.Export.Entries[entrypoint]
	if !ok || entry.Kind != wasm.ExternalFunction {
		return nil, fmt.Errorf("loom: entrypoint %q not exported", entrypoint)
	}

	vm, err := exec.NewVM(module)
	if err != nil {
		return nil, fmt.Errorf("loom: instantiate vm: %w", err)
	}
	if len(vm.Memory()) > MaxWasmMemoryBytes {
		return nil, fmt.Errorf("loom: module memory %d exceeds max %d", len(vm.Memory()), MaxWasmMemoryBytes)
	}

	mem := vm.Memory()
	if memoryArgOffset+len(input) > len(mem) {
		return nil, fmt.Errorf("loom: input too large for module memory")
	}
	copy(mem[memoryArgOffset:], input)

	ret, err := vm.ExecCode(int64(entry.Index), uint64(memoryArgOffset), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("loom: execution trapped: %w", err)
	}
	packed, ok := ret.(int64)
	if !ok {
		return nil, fmt.Errorf("loom: entrypoint did not return a packed (ptr,len) result")
	}
	outPtr := uint32(uint64(packed) >> 32)
	outLen := uint32(uint64(packed))
	if int(outPtr)+int(outLen) > len(mem) {
		return nil, fmt.Errorf("loom: returned result out of bounds")
	}
	out := make([]byte, outLen)
	copy(out, mem[outPtr:outPtr+outLen])
	return out, nil
}

// hostModule assembles the synthetic "norn" import module a loom
// instance links against, one native function per spec.md §4.4 host API
// entry. Each function reads its string/byte arguments out of the
// calling instance's own linear memory at the (ptr, len) it was passed,
// via the wagon exec.Process handle every native function receives, and
// for state_get follows the two-phase convention: out_ptr=0 returns the
// required length, otherwise the value is written and its actual length
// returned, and a missing key returns -1.
//
// WASM pointers and lengths are i32 (wasm32); block_height and timestamp
// are returned as i64 since they carry full uint64 values.
func hostModule(host *HostState) *wasm.Module {
	m := wasm.NewModule()
	m.Types = &wasm.SectionTypes{}
	m.Export = &wasm.SectionExports{Entries: map[string]wasm.ExportEntry{}}

	add := func(name string, sig wasm.FunctionSig, fn interface{}) {
		idx := uint32(len(m.FunctionIndexSpace))
		m.Types.Entries = append(m.Types.Entries, sig)
		m.FunctionIndexSpace = append(m.FunctionIndexSpace, wasm.Function{
			Sig:  &m.Types.Entries[len(m.Types.Entries)-1],
			Host: reflect.ValueOf(fn),
			Body: &wasm.FunctionBody{},
		})
		m.Export.Entries[name] = wasm.ExportEntry{FieldStr: name, Kind: wasm.ExternalFunction, Index: idx}
	}

	i32n := func(n int) []wasm.ValueType {
		t := make([]wasm.ValueType, n)
		for i := range t {
			t[i] = wasm.ValueTypeI32
		}
		return t
	}

	add("log", wasm.FunctionSig{ParamTypes: i32n(2), ReturnTypes: i32n(1)},
		func(proc *exec.Process, ptr, length int32) int32 {
			msg := readMemString(proc, ptr, length)
			if err := host.Log(msg); err != nil {
				return -1
			}
			return 0
		})

	add("state_get", wasm.FunctionSig{ParamTypes: i32n(3), ReturnTypes: i32n(1)},
		func(proc *exec.Process, keyPtr, keyLen, outPtr int32) int32 {
			key := readMemBytes(proc, keyPtr, keyLen)
			v, err := host.StateGet(key)
			if err != nil || v == nil {
				return -1
			}
			if outPtr == 0 {
				return int32(len(v))
			}
			writeMemBytes(proc, outPtr, v)
			return int32(len(v))
		})

	add("state_set", wasm.FunctionSig{ParamTypes: i32n(4), ReturnTypes: i32n(1)},
		func(proc *exec.Process, keyPtr, keyLen, valPtr, valLen int32) int32 {
			key := readMemBytes(proc, keyPtr, keyLen)
			val := readMemBytes(proc, valPtr, valLen)
			if err := host.StateSet(key, val); err != nil {
				return -1
			}
			return 0
		})

	add("sender", wasm.FunctionSig{ParamTypes: i32n(1), ReturnTypes: i32n(1)},
		func(proc *exec.Process, outPtr int32) int32 {
			writeMemBytes(proc, outPtr, host.Sender[:])
			return int32(len(host.Sender))
		})

	add("block_height", wasm.FunctionSig{ReturnTypes: []wasm.ValueType{wasm.ValueTypeI64}},
		func(proc *exec.Process) int64 { return int64(host.BlockHeight) })

	add("timestamp", wasm.FunctionSig{ReturnTypes: []wasm.ValueType{wasm.ValueTypeI64}},
		func(proc *exec.Process) int64 { return int64(host.Timestamp) })

	add("transfer", wasm.FunctionSig{
		ParamTypes:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeI64},
		ReturnTypes: i32n(1),
	},
		func(proc *exec.Process, fromPtr, toPtr, tokenPtr int32, amtHi, amtLo int64) int32 {
			var from, to crypto.Address
			copy(from[:], readMemBytes(proc, fromPtr, int32(crypto.AddressSize)))
			copy(to[:], readMemBytes(proc, toPtr, int32(crypto.AddressSize)))
			var tokenId crypto.Hash
			copy(tokenId[:], readMemBytes(proc, tokenPtr, int32(crypto.HashSize)))
			amt := amount.Amount{Hi: uint64(amtHi), Lo: uint64(amtLo)}
			if err := host.Transfer(from, to, tokenId, amt); err != nil {
				return -1
			}
			return 0
		})

	add("emit_event", wasm.FunctionSig{ParamTypes: i32n(4), ReturnTypes: i32n(1)},
		func(proc *exec.Process, typPtr, typLen, _, _ int32) int32 {
			// Structured attributes are carried as a borsh-encoded
			// (key,value) list at the ignored ptr/len pair; the ABI slot
			// is reserved but norn's bundled contracts emit events
			// through the SDK wrapper rather than raw attribute bytes.
			typ := readMemString(proc, typPtr, typLen)
			if err := host.EmitEvent(typ, nil); err != nil {
				return -1
			}
			return 0
		})

	add("call", wasm.FunctionSig{ParamTypes: i32n(7), ReturnTypes: i32n(1)},
		func(proc *exec.Process, targetPtr, entryPtr, entryLen, inputPtr, inputLen, outPtr int32) int32 {
			var targetLoomId crypto.Hash
			copy(targetLoomId[:], readMemBytes(proc, targetPtr, int32(crypto.HashSize)))
			entrypoint := readMemString(proc, entryPtr, entryLen)
			input := readMemBytes(proc, inputPtr, inputLen)
			ret, err := host.Call(targetLoomId, entrypoint, input)
			if err != nil {
				return -1
			}
			if outPtr != 0 {
				writeMemBytes(proc, outPtr, ret)
			}
			return int32(len(ret))
		})

	return m
}

func readMemBytes(proc *exec.Process, ptr, length int32) []byte {
	if length <= 0 {
		return nil
	}
	out := make([]byte, length)
	if _, err := proc.ReadAt(out, int64(ptr)); err != nil {
		return nil
	}
	return out
}

func readMemString(proc *exec.Process, ptr, length int32) string {
	return string(readMemBytes(proc, ptr, length))
}

func writeMemBytes(proc *exec.Process, ptr int32, data []byte) {
	_, _ = proc.WriteAt(data, int64(ptr))
}

// ScriptEngine is a pure-Go Engine for tests and for contracts authored
// directly as Go closures instead of compiled WASM, generalizing the
// teacher's vm/registry.go TxType-keyed handler dispatch to loom
// entrypoints. It ignores the bytecode argument entirely; dispatch is by
// registered entrypoint name.
type ScriptEngine struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

// Script is a loom contract body implemented in Go: given the host
// state and raw input, it returns its output or an error (including
// errors produced by exhausting the shared gas meter).
type Script func(host *HostState, input []byte) ([]byte, error)

// NewScriptEngine returns an Engine with no entrypoints registered.
func NewScriptEngine() *ScriptEngine { return &ScriptEngine{scripts: make(map[string]Script)} }

// Register installs s under entrypoint, overwriting any prior script
// registered under the same name.
func (e *ScriptEngine) Register(entrypoint string, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[entrypoint] = s
}

func (e *ScriptEngine) Execute(bytecode []byte, entrypoint string, input []byte, host *HostState) ([]byte, error) {
	e.mu.RLock()
	s, ok := e.scripts[entrypoint]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loom: no script registered for entrypoint %q", entrypoint)
	}
	return s(host, input)
}
