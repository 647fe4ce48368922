// Package forwarder holds the compiled value-forwarding unit deployed at
// every deposit address.
//
// The unit does exactly one thing: on any invocation it pushes its entire
// balance to a single immutable router destination with a plain value
// transfer, and reverts the whole invocation if that transfer fails. The
// router address is baked into the bytecode when the template is built, so
// the template and its init code hash form one inseparable constant: change
// either and every previously handed-out, not-yet-deployed deposit address
// becomes unreachable.
package forwarder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Runtime bytecode layout. The router address sits immediately after the
// PUSH20 opcode; everything else is fixed.
//
//	00  PUSH1 0, PUSH1 0, PUSH1 0, PUSH1 0   return/arg regions
//	08  SELFBALANCE                           value = entire balance
//	09  PUSH20 <router>
//	1e  GAS
//	1f  CALL
//	20  PUSH1 0x28, JUMPI                     success -> stop
//	23  PUSH1 0, PUSH1 0, REVERT              failure reverts the receipt
//	28  JUMPDEST, STOP
var (
	runtimePrefix = []byte{
		0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00,
		0x47,
		0x73,
	}
	runtimeSuffix = []byte{
		0x5a,
		0xf1,
		0x60, 0x28, 0x57,
		0x60, 0x00, 0x60, 0x00, 0xfd,
		0x5b, 0x00,
	}
	// Creation code: copy the runtime into memory and return it.
	creationPrefix = []byte{
		0x60, 0x2a, // runtime length
		0x60, 0x0c, // runtime offset within init code
		0x60, 0x00,
		0x39,       // CODECOPY
		0x60, 0x2a, // runtime length
		0x60, 0x00,
		0xf3, // RETURN
	}
)

// Template is an immutable forwarder build for one router destination.
// Construct it once at startup and treat it as a constant thereafter.
type Template struct {
	router       common.Address
	initCode     []byte
	runtimeCode  []byte
	initCodeHash common.Hash
}

// New compiles the forwarder template for the given router destination.
func New(router common.Address) Template {
	runtime := make([]byte, 0, len(runtimePrefix)+common.AddressLength+len(runtimeSuffix))
	runtime = append(runtime, runtimePrefix...)
	runtime = append(runtime, router.Bytes()...)
	runtime = append(runtime, runtimeSuffix...)

	initCode := make([]byte, 0, len(creationPrefix)+len(runtime))
	initCode = append(initCode, creationPrefix...)
	initCode = append(initCode, runtime...)

	return Template{
		router:       router,
		initCode:     initCode,
		runtimeCode:  runtime,
		initCodeHash: crypto.Keccak256Hash(initCode),
	}
}

// Router returns the immutable destination every instance relays to.
func (t Template) Router() common.Address { return t.router }

// InitCode returns a copy of the creation bytecode.
func (t Template) InitCode() []byte {
	out := make([]byte, len(t.initCode))
	copy(out, t.initCode)
	return out
}

// RuntimeCode returns a copy of the deployed bytecode.
func (t Template) RuntimeCode() []byte {
	out := make([]byte, len(t.runtimeCode))
	copy(out, t.runtimeCode)
	return out
}

// InitCodeHash returns keccak256 of the creation bytecode. This is the
// content-hash input to the deposit address derivation.
func (t Template) InitCodeHash() common.Hash { return t.initCodeHash }
