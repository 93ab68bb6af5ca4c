package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// ABIFunction describes one named entry point a contract exposes, per
// spec.md §4.5's declared-ABI deployment requirement.
type ABIFunction struct {
	Name    string   `json:"name"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Mutates bool     `json:"mutates"`
}

// ABI is the interface a contract declares at deployment time: a named,
// versioned set of callable functions plus the events it may emit. Invoke
// dispatches by looking up the requested function_name here rather than
// always entering a fixed WASM export.
type ABI struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	Functions []ABIFunction `json:"functions"`
	Events    []string      `json:"events,omitempty"`
}

// Lookup finds the declared function named name, if any.
func (a ABI) Lookup(name string) (ABIFunction, bool) {
	for _, f := range a.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return ABIFunction{}, false
}

// SmartContract is a deployed WASM module.
type SmartContract struct {
	Address  Address   `json:"address"`
	Owner    Address   `json:"owner"`
	Code     []byte    `json:"code"`
	ABI      ABI       `json:"abi"`
	CodeHash string    `json:"code_hash"`
	Deployed time.Time `json:"deployed_at"`
}

// DeriveContractAddress computes "0x"+first 20 bytes of
// SHA-256(code||owner||deployment_timestamp_LE_i64), distinct from the
// "edge"-prefixed account address scheme used for externally-owned
// accounts in crypto.go.
func DeriveContractAddress(code []byte, owner Address, deployedAtUnix int64) Address {
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(deployedAtUnix))
	buf := make([]byte, 0, len(code)+len(owner)+8)
	buf = append(buf, code...)
	buf = append(buf, owner[:]...)
	buf = append(buf, tsBuf[:]...)
	sum := sha256.Sum256(buf)
	var a Address
	copy(a[:], sum[:20])
	return a
}

// ContractAddressString renders a contract address with the "0x" prefix
// spec.md's contract addressing scheme calls for.
func ContractAddressString(a Address) string {
	return "0x" + hexEncode(a[:])
}

// ContractRegistry holds deployed contracts, keyed by derived address.
type ContractRegistry struct {
	mu        sync.RWMutex
	contracts map[Address]*SmartContract
	log       *logrus.Entry
}

// NewContractRegistry constructs an empty registry.
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{
		contracts: make(map[Address]*SmartContract),
		log:       logrus.WithField("component", "wasm-runtime"),
	}
}

// Deploy validates code compiles under wasmer, derives its code_hash, and
// registers it under the given declared ABI.
func (r *ContractRegistry) Deploy(owner Address, code []byte, abi ABI, now time.Time) (Address, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	if _, err := wasmer.NewModule(store, code); err != nil {
		return Address{}, coded("INVALID_WASM", err.Error())
	}
	addr := DeriveContractAddress(code, owner, now.Unix())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[addr]; exists {
		return addr, coded("ALREADY_DEPLOYED", "contract already deployed at derived address")
	}
	codeSum := sha256.Sum256(code)
	r.contracts[addr] = &SmartContract{
		Address:  addr,
		Owner:    owner,
		Code:     code,
		ABI:      abi,
		CodeHash: hexEncode(codeSum[:]),
		Deployed: now,
	}
	r.log.WithField("address", ContractAddressString(addr)).Info("contract deployed")
	return addr, nil
}

// Get returns the contract at addr, if deployed.
func (r *ContractRegistry) Get(addr Address) (*SmartContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[addr]
	return c, ok
}

// GasMeter enforces a single-counter gas budget across a call.
type GasMeter struct {
	limit uint64
	used  uint64
}

// NewGasMeter constructs a meter bounded at limit.
func NewGasMeter(limit uint64) *GasMeter { return &GasMeter{limit: limit} }

// Consume charges cost, failing with ErrOutOfGas if it would exceed limit.
func (g *GasMeter) Consume(cost uint64) error {
	if g.used+cost > g.limit {
		g.used = g.limit
		return ErrOutOfGas
	}
	g.used += cost
	return nil
}

// Used returns gas consumed so far.
func (g *GasMeter) Used() uint64 { return g.used }

// VMContext carries per-call execution parameters available to host
// functions via get_caller/get_block_height/get_block_timestamp/get_block_value.
type VMContext struct {
	Caller         Address
	ContractAddr   Address
	BlockHeight    uint64
	BlockTimestamp int64
	Value          uint64
}

// Receipt is the outcome of a single contract invocation.
type Receipt struct {
	Status   bool     `json:"status"`
	GasUsed  uint64   `json:"gas_used"`
	Logs     []string `json:"logs,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// workingSet gives a single call an isolated key/value overlay scoped to the
// target contract's storage namespace: reads fall through to the committed
// store, writes accumulate in memory and are only flushed via Commit, so a
// failed call (out of gas, trap, host error) can be Discarded with zero
// effect on committed state.
type workingSet struct {
	store   KVStore
	addr    Address
	overlay map[string][]byte
	deleted map[string]bool
}

func newWorkingSet(store KVStore, addr Address) *workingSet {
	return &workingSet{store: store, addr: addr, overlay: make(map[string][]byte), deleted: make(map[string]bool)}
}

func (w *workingSet) key(k []byte) []byte {
	return append(append([]byte("contract:"+w.addr.String()+":"), k...))
}

func (w *workingSet) Get(k []byte) ([]byte, error) {
	sk := string(w.key(k))
	if w.deleted[sk] {
		return nil, ErrNotFound
	}
	if v, ok := w.overlay[sk]; ok {
		return v, nil
	}
	return w.store.Get(w.key(k))
}

func (w *workingSet) Set(k, v []byte) {
	sk := string(w.key(k))
	delete(w.deleted, sk)
	w.overlay[sk] = append([]byte(nil), v...)
}

// Commit flushes the overlay into the underlying store atomically.
func (w *workingSet) Commit() error {
	if len(w.overlay) == 0 {
		return nil
	}
	return w.store.WriteBatch(func(b Batch) error {
		for k, v := range w.overlay {
			b.Put([]byte(k), v)
		}
		return nil
	})
}

// Discard drops all pending writes; the underlying store is untouched.
func (w *workingSet) Discard() {
	w.overlay = nil
	w.deleted = nil
}

type hostState struct {
	mem     *wasmer.Memory
	ws      *workingSet
	gas     *GasMeter
	ctx     *VMContext
	receipt *Receipt
}

// Invoke dispatches functionName against contract's declared ABI and runs
// the matching WASM export under gas metering, committing the working set
// on success and discarding it on any failure. args is JSON-encoded and
// handed to the guest as a (ptr, len) pair written at the base of its
// linear memory, ahead of whatever scratch space the module itself uses;
// the guest is expected to export a function of signature
// (args_ptr i32, args_len i32).
func Invoke(store KVStore, contract *SmartContract, functionName string, args []string, ctx *VMContext, gasLimit uint64) (*Receipt, error) {
	if _, ok := contract.ABI.Lookup(functionName); !ok {
		return nil, coded("UNKNOWN_FUNCTION", "function not declared in contract ABI: "+functionName)
	}

	rec := &Receipt{Status: true}
	meter := NewGasMeter(gasLimit)
	ws := newWorkingSet(store, contract.Address)

	engine := wasmer.NewEngine()
	wstore := wasmer.NewStore(engine)
	mod, err := wasmer.NewModule(wstore, contract.Code)
	if err != nil {
		return nil, coded("INVALID_WASM", err.Error())
	}

	hs := &hostState{ws: ws, gas: meter, ctx: ctx, receipt: rec}
	imports := registerHostFunctions(wstore, hs)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		ws.Discard()
		return nil, coded("INSTANTIATE_FAILED", err.Error())
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		ws.Discard()
		return nil, errors.New("wasm module does not export linear memory")
	}
	hs.mem = mem

	fn, err := instance.Exports.GetFunction(functionName)
	if err != nil {
		ws.Discard()
		return nil, coded("UNKNOWN_EXPORT", "wasm module does not export function "+functionName)
	}

	argsRaw, err := json.Marshal(args)
	if err != nil {
		ws.Discard()
		return nil, fatal(err)
	}
	if len(argsRaw) > len(mem.Data()) {
		ws.Discard()
		return nil, coded("ARGS_TOO_LARGE", "argument payload exceeds guest memory")
	}
	copy(mem.Data(), argsRaw)

	if _, err := fn(int32(0), int32(len(argsRaw))); err != nil {
		rec.Status = false
		rec.Error = err.Error()
		ws.Discard()
	} else if !rec.Status {
		// a host call already failed the receipt (e.g. out of gas)
		ws.Discard()
	} else if err := ws.Commit(); err != nil {
		rec.Status = false
		rec.Error = err.Error()
	}

	rec.GasUsed = meter.Used()
	return rec, nil
}

// registerHostFunctions wires the fixed ABI from spec.md §4.5 under the
// "env" import namespace, following the teacher's registerHost structure in
// virtual_machine.go.
func registerHostFunctions(store *wasmer.Store, h *hostState) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	read := func(ptr, ln int32) []byte {
		data := h.mem.Data()[ptr : ptr+ln]
		out := make([]byte, ln)
		copy(out, data)
		return out
	}
	write := func(ptr int32, data []byte) { copy(h.mem.Data()[ptr:], data) }

	i32 := wasmer.ValueKind(wasmer.I32)
	i64 := wasmer.ValueKind(wasmer.I64)

	chargeOrFail := func(cost uint64) bool {
		if err := h.gas.Consume(cost); err != nil {
			h.receipt.Status = false
			h.receipt.Error = err.Error()
			return false
		}
		return true
	}

	storageRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostStorageRead)) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			keyPtr, keyLen, dstPtr := args[0].I32(), args[1].I32(), args[2].I32()
			val, err := h.ws.Get(read(keyPtr, keyLen))
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			write(dstPtr, val)
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		})

	storageWrite := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostStorageWrite)) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			keyPtr, keyLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			h.ws.Set(read(keyPtr, keyLen), read(valPtr, valLen))
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	logFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostLog)) {
				return []wasmer.Value{}, nil
			}
			ptr, ln := args[0].I32(), args[1].I32()
			h.receipt.Logs = append(h.receipt.Logs, string(read(ptr, ln)))
			return []wasmer.Value{}, nil
		})

	getCaller := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostGetCaller)) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			write(args[0].I32(), h.ctx.Caller[:])
			return []wasmer.Value{wasmer.NewI32(int32(len(h.ctx.Caller)))}, nil
		})

	getHeight := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostGetBlockHeight)) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.ctx.BlockHeight))}, nil
		})

	getTimestamp := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostGetBlockTime)) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(h.ctx.BlockTimestamp)}, nil
		})

	getValue := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(GasCost(HostGetCallValue)) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.ctx.Value))}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"storage_read":        storageRead,
		"storage_write":       storageWrite,
		"log":                 logFn,
		"get_caller":          getCaller,
		"get_block_height":    getHeight,
		"get_block_timestamp": getTimestamp,
		"get_block_value":     getValue,
	})
	return imports
}
