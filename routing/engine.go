// Package routing implements permission-gated, all-or-nothing settlement of
// held value to a verified treasury.
package routing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/radhat/depositrouter/registry"
)

// Transfer is one balance movement. A zero Token address denotes native
// value; anything else is a token contract.
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Ledger applies a batch of transfers atomically: either every move in the
// batch lands or none of them do, and no intermediate state is observable.
type Ledger interface {
	Apply(moves []Transfer) error
}

// Engine settles its own balance (native value plus zero or more token
// balances) to a treasury in a single atomic batch. It keeps no state of
// its own beyond ambient balances; forwarders push value to its address
// passively.
type Engine struct {
	addr     common.Address
	registry *registry.Registry
	ledger   Ledger
}

// NewEngine creates a routing engine holding funds at addr, authorized
// through reg and settling through ledger.
func NewEngine(addr common.Address, reg *registry.Registry, ledger Ledger) *Engine {
	return &Engine{addr: addr, registry: reg, ledger: ledger}
}

// Address returns the account the engine holds funds at.
func (e *Engine) Address() common.Address { return e.addr }

// TransferFunds moves value and token balances from the engine's account to
// treasury. The entire call is all-or-nothing: any single failing move
// aborts every move.
//
// Zero amounts are explicit no-ops, supporting sparse batches. Validation
// and authorization both happen before any transfer is attempted.
func (e *Engine) TransferFunds(
	ctx context.Context,
	caller common.Address,
	value *big.Int,
	tokens []common.Address,
	amounts []*big.Int,
	treasury common.Address,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return &ValidationError{Reason: "treasury must not be the zero address"}
	}

	// One combined read on the happy path; the per-capability pair runs
	// only on failure, to name the missing capability precisely.
	if !e.registry.IsAllowedCallerAndTreasury(caller, treasury) {
		if !e.registry.IsAllowedCaller(caller) {
			return ErrNotAuthorizedCaller
		}
		return ErrTreasuryNotAllowed
	}

	if len(tokens) != len(amounts) {
		return &ValidationError{Reason: fmt.Sprintf(
			"token/amount length mismatch: %d tokens, %d amounts", len(tokens), len(amounts))}
	}

	var moves []Transfer
	if value != nil && value.Sign() > 0 {
		moves = append(moves, Transfer{
			From:   e.addr,
			To:     treasury,
			Amount: new(big.Int).Set(value),
		})
	}
	for i, token := range tokens {
		if amounts[i] == nil || amounts[i].Sign() == 0 {
			continue
		}
		moves = append(moves, Transfer{
			Token:  token,
			From:   e.addr,
			To:     treasury,
			Amount: new(big.Int).Set(amounts[i]),
		})
	}
	if len(moves) == 0 {
		return nil
	}

	if err := e.ledger.Apply(moves); err != nil {
		return &TransferFailure{Err: err}
	}
	return nil
}
