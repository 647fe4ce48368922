// Package chain defines the on-chain surface the lifecycle orchestrator
// consumes: balance queries, batched forwarder deployment, and settlement
// calls. Implementations live in chain/eth (real RPC backend) and chain/sim
// (in-process simulation used by tests).
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DeployOutcome is the per-salt result of a deployment batch. Exactly one
// of Deployed or Collision is set for a processed salt.
type DeployOutcome struct {
	Salt    common.Hash
	Address common.Address
	// Deployed means a forwarder now exists at Address.
	Deployed bool
	// Collision means Address already carried code. This is an expected
	// outcome, not a transport failure, and never aborts the batch.
	Collision bool
}

// DeployBatchResult aggregates one deployment transaction.
type DeployBatchResult struct {
	Tx       common.Hash
	Outcomes []DeployOutcome
}

// Client is the chain access layer. All methods honor context cancellation.
type Client interface {
	// BalanceAt returns the current native balance of addr.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)

	// DeployBatch deploys one forwarder per salt through the factory.
	// Per-salt collisions are reported in the outcomes; an error return
	// means the batch as a whole could not be submitted or confirmed.
	DeployBatch(ctx context.Context, salts []common.Hash) (DeployBatchResult, error)

	// TransferFunds triggers settlement of the forwarder's entire balance
	// through the routing engine to treasury, returning the transaction
	// reference. The call is atomic on-chain: failure moves nothing.
	TransferFunds(ctx context.Context, fwd common.Address, treasury common.Address) (common.Hash, error)
}
