// Package sim is an in-process chain simulation implementing chain.Client.
//
// It models exactly the pieces the deposit system touches: native and token
// balances, CREATE2 deployment through the factory with collision
// detection, forwarder relay semantics, and settlement through the routing
// engine. Tests run the full lifecycle against it and assert that addresses
// computed ahead of deployment match the addresses that end up holding
// code.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/radhat/depositrouter/chain"
	"github.com/radhat/depositrouter/create2"
	"github.com/radhat/depositrouter/forwarder"
	"github.com/radhat/depositrouter/registry"
	"github.com/radhat/depositrouter/routing"
)

// Config fixes the simulated deployment topology.
type Config struct {
	// Factory is the CREATE2 factory address deploying forwarders.
	Factory common.Address
	// Router is the account the routing engine holds funds at; every
	// forwarder relays to it.
	Router common.Address
	// Owner owns the permission registry.
	Owner common.Address
	// Signer is the identity settlement calls are sent from.
	Signer common.Address
}

// Backend is a simulated chain. It is safe for concurrent use;
// chain-mutating operations serialize, matching transaction semantics.
type Backend struct {
	cfg      Config
	template forwarder.Template
	reg      *registry.Registry
	engine   *routing.Engine

	opMu sync.Mutex // serializes mutating operations

	mu         sync.RWMutex
	balances   map[common.Address]*big.Int
	tokens     map[common.Address]map[common.Address]*big.Int
	code       map[common.Address][]byte
	txCounter  uint64
	balanceErr map[common.Address]error
}

// New builds a simulated chain with a fresh registry owned by cfg.Owner.
func New(cfg Config) (*Backend, error) {
	reg, err := registry.New(cfg.Owner)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:        cfg,
		template:   forwarder.New(cfg.Router),
		reg:        reg,
		balances:   make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]map[common.Address]*big.Int),
		code:       make(map[common.Address][]byte),
		balanceErr: make(map[common.Address]error),
	}
	b.engine = routing.NewEngine(cfg.Router, reg, (*book)(b))
	return b, nil
}

// Template returns the forwarder build the factory deploys.
func (b *Backend) Template() forwarder.Template { return b.template }

// Registry returns the permission registry.
func (b *Backend) Registry() *registry.Registry { return b.reg }

// Engine returns the routing engine.
func (b *Backend) Engine() *routing.Engine { return b.engine }

// Fund credits amount of native value to addr, as an external deposit
// would. If a forwarder is already deployed there, the receipt relays the
// entire balance straight on to the router.
func (b *Backend) Fund(addr common.Address, amount *big.Int) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creditLocked(addr, amount)
	if len(b.code[addr]) > 0 {
		bal := b.balances[addr]
		b.balances[addr] = new(big.Int)
		b.creditLocked(b.cfg.Router, bal)
	}
}

// SetTokenBalance seeds a token balance, for settlement tests.
func (b *Backend) SetTokenBalance(token, addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens[token] == nil {
		b.tokens[token] = make(map[common.Address]*big.Int)
	}
	b.tokens[token][addr] = new(big.Int).Set(amount)
}

// TokenBalanceOf reads a token balance.
func (b *Backend) TokenBalanceOf(token, addr common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m := b.tokens[token]; m != nil && m[addr] != nil {
		return new(big.Int).Set(m[addr])
	}
	return new(big.Int)
}

// SetBalanceError makes BalanceAt fail for addr, to simulate an unreachable
// node for a single query.
func (b *Backend) SetBalanceError(addr common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.balanceErr, addr)
		return
	}
	b.balanceErr[addr] = err
}

// CodeAt returns the deployed bytecode at addr, nil if none.
func (b *Backend) CodeAt(addr common.Address) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c := b.code[addr]; len(c) > 0 {
		out := make([]byte, len(c))
		copy(out, c)
		return out
	}
	return nil
}

// BalanceAt implements chain.Client.
func (b *Backend) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.balanceErr[addr]; err != nil {
		return nil, err
	}
	if bal := b.balances[addr]; bal != nil {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// DeployBatch implements chain.Client. Each salt deploys independently; a
// salt whose address already carries code reports a collision without
// aborting the rest of the batch.
func (b *Backend) DeployBatch(ctx context.Context, salts []common.Hash) (chain.DeployBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return chain.DeployBatchResult{}, err
	}
	if len(salts) == 0 {
		return chain.DeployBatchResult{}, fmt.Errorf("sim: no salts provided")
	}
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	res := chain.DeployBatchResult{Tx: b.nextTxLocked()}
	for _, salt := range salts {
		addr := create2.ComputeAddress(b.cfg.Factory, salt, b.template.InitCodeHash())
		out := chain.DeployOutcome{Salt: salt, Address: addr}
		if len(b.code[addr]) > 0 {
			out.Collision = true
		} else {
			b.code[addr] = b.template.RuntimeCode()
			out.Deployed = true
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

// TransferFunds implements chain.Client. It models one atomic transaction:
// the forwarder relays its entire balance to the router and the routing
// engine settles that amount to treasury; any failure reverts the whole
// thing.
func (b *Backend) TransferFunds(ctx context.Context, fwd common.Address, treasury common.Address) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if len(b.code[fwd]) == 0 {
		b.mu.Unlock()
		return common.Hash{}, fmt.Errorf("sim: no forwarder deployed at %s", fwd.Hex())
	}
	amount := new(big.Int)
	if bal := b.balances[fwd]; bal != nil {
		amount.Set(bal)
	}
	b.mu.Unlock()

	if amount.Sign() > 0 {
		relay := []routing.Transfer{{From: fwd, To: b.cfg.Router, Amount: amount}}
		if err := (*book)(b).Apply(relay); err != nil {
			return common.Hash{}, fmt.Errorf("sim: forwarder relay reverted: %w", err)
		}
		if err := b.engine.TransferFunds(ctx, b.cfg.Signer, amount, nil, nil, treasury); err != nil {
			// Transaction revert: the relayed value returns to the forwarder.
			_ = (*book)(b).Apply([]routing.Transfer{{From: b.cfg.Router, To: fwd, Amount: amount}})
			return common.Hash{}, err
		}
	} else if err := b.engine.TransferFunds(ctx, b.cfg.Signer, nil, nil, nil, treasury); err != nil {
		// An empty sweep still runs the permission check, as the on-chain
		// call would. Callers that skip zero balances never reach this.
		return common.Hash{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextTxLocked(), nil
}

func (b *Backend) creditLocked(addr common.Address, amount *big.Int) {
	if b.balances[addr] == nil {
		b.balances[addr] = new(big.Int)
	}
	b.balances[addr].Add(b.balances[addr], amount)
}

func (b *Backend) nextTxLocked() common.Hash {
	b.txCounter++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.txCounter)
	return crypto.Keccak256Hash(buf[:])
}

// book adapts the backend's balance maps to routing.Ledger. Apply validates
// every move before touching anything, so a failing batch lands nothing.
type book Backend

func (bk *book) Apply(moves []routing.Transfer) error {
	b := (*Backend)(bk)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Validation sums the demand per (token, from) pool. Two moves drawing
	// the same pool must be checked against their combined total, not each
	// against the untouched balance, or a batch could overdraw the book.
	type pool struct {
		token common.Address
		from  common.Address
	}
	needed := make(map[pool]*big.Int)
	for _, m := range moves {
		if m.Amount == nil || m.Amount.Sign() < 0 {
			return fmt.Errorf("sim: invalid transfer amount")
		}
		p := pool{token: m.Token, from: m.From}
		if needed[p] == nil {
			needed[p] = new(big.Int)
		}
		needed[p].Add(needed[p], m.Amount)
	}
	for p, need := range needed {
		var have *big.Int
		if p.token == (common.Address{}) {
			have = b.balances[p.from]
		} else if tm := b.tokens[p.token]; tm != nil {
			have = tm[p.from]
		}
		if have == nil || have.Cmp(need) < 0 {
			if p.token == (common.Address{}) {
				return fmt.Errorf("sim: insufficient balance at %s", p.from.Hex())
			}
			return fmt.Errorf("sim: insufficient %s token balance at %s", p.token.Hex(), p.from.Hex())
		}
	}
	for _, m := range moves {
		if m.Token == (common.Address{}) {
			b.balances[m.From].Sub(b.balances[m.From], m.Amount)
			b.creditLocked(m.To, m.Amount)
		} else {
			tm := b.tokens[m.Token]
			tm[m.From].Sub(tm[m.From], m.Amount)
			if tm[m.To] == nil {
				tm[m.To] = new(big.Int)
			}
			tm[m.To].Add(tm[m.To], m.Amount)
		}
	}
	return nil
}
