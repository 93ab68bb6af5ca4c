// SPDX-License-Identifier: BUSL-1.1
//
// EdgeAI Node - WASM Host Function Gas Schedule
// ----------------------------------------------
// Canonical gas-pricing table for every host function exposed to contract
// WASM modules under the "env" import namespace. Gas is charged before the
// host call executes; when the charge would push the GasMeter's running
// total (wasm_runtime.go) past the caller's supplied gas limit, the host call
// returns a failure code to the guest, the receipt is marked failed with
// ErrOutOfGas, and Invoke discards the call's storage writes.
package core

// HostFn identifies a host function importable by a contract module.
type HostFn string

const (
	HostStorageRead     HostFn = "storage_read"
	HostStorageWrite    HostFn = "storage_write"
	HostLog             HostFn = "log"
	HostGetCaller       HostFn = "get_caller"
	HostGetBlockHeight  HostFn = "get_block_height"
	HostGetBlockTime    HostFn = "get_block_timestamp"
	HostGetCallValue    HostFn = "get_block_value"
)

// DefaultGasCost is charged for any host function absent from gasTable.
const DefaultGasCost uint64 = 1000

// gasTable maps each host function to its per-call base gas cost, per
// spec.md's host ABI cost table.
var gasTable = map[HostFn]uint64{
	HostStorageRead:    200,
	HostStorageWrite:   5000,
	HostLog:            375,
	HostGetCaller:      50,
	HostGetBlockHeight: 50,
	HostGetBlockTime:   50,
	HostGetCallValue:   50,
}

// GasCost returns the base gas cost for a host function call.
func GasCost(fn HostFn) uint64 {
	if cost, ok := gasTable[fn]; ok {
		return cost
	}
	return DefaultGasCost
}
