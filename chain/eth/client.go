// Package eth implements chain.Client against a real JSON-RPC node using
// go-ethereum.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/radhat/depositrouter/chain"
	"github.com/radhat/depositrouter/create2"
)

// Factory and forwarder call surfaces. The factory deploys one forwarder
// per salt; the forwarder exposes a single settlement entrypoint.
const (
	factoryABIJSON = `[{"inputs":[{"internalType":"bytes32[]","name":"salts","type":"bytes32[]"}],"name":"deployMultiple","outputs":[{"internalType":"address[]","name":"proxies","type":"address[]"}],"stateMutability":"nonpayable","type":"function"}]`

	forwarderABIJSON = `[{"inputs":[{"internalType":"address payable","name":"treasury","type":"address"}],"name":"transferFunds","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
)

// Client talks to one chain through one signing identity.
type Client struct {
	rpc          *ethclient.Client
	key          *ecdsa.PrivateKey
	sender       common.Address
	chainID      *big.Int
	factory      common.Address
	initCodeHash common.Hash
	factoryABI   abi.ABI
	forwarderABI abi.ABI
}

// Dial connects to rpcURL and prepares a signing client.
//
// privateKeyHex is the hex-encoded settlement key, with or without a "0x"
// prefix. The chain ID is read from the node once at startup.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, factory common.Address, initCodeHash common.Hash) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	factoryABI, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	forwarderABI, err := abi.JSON(strings.NewReader(forwarderABIJSON))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("parse forwarder abi: %w", err)
	}

	return &Client{
		rpc:          rpc,
		key:          key,
		sender:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		factory:      factory,
		initCodeHash: initCodeHash,
		factoryABI:   factoryABI,
		forwarderABI: forwarderABI,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// Sender returns the address transactions are signed with.
func (c *Client) Sender() common.Address { return c.sender }

// BalanceAt implements chain.Client.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance query for %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// DeployBatch implements chain.Client.
//
// Salts whose computed address already carries code are reported as
// collisions up front and excluded from the transaction, so one
// already-deployed address never aborts the rest of the batch. The
// remainder deploys in a single deployMultiple call, confirmed before
// returning.
func (c *Client) DeployBatch(ctx context.Context, salts []common.Hash) (chain.DeployBatchResult, error) {
	if len(salts) == 0 {
		return chain.DeployBatchResult{}, fmt.Errorf("no salts provided")
	}

	var res chain.DeployBatchResult
	var fresh [][32]byte
	freshIdx := make([]int, 0, len(salts))
	for _, salt := range salts {
		addr := create2.ComputeAddress(c.factory, salt, c.initCodeHash)
		out := chain.DeployOutcome{Salt: salt, Address: addr}
		code, err := c.rpc.CodeAt(ctx, addr, nil)
		if err != nil {
			return chain.DeployBatchResult{}, fmt.Errorf("code query for %s: %w", addr.Hex(), err)
		}
		if len(code) > 0 {
			out.Collision = true
			res.Outcomes = append(res.Outcomes, out)
			continue
		}
		freshIdx = append(freshIdx, len(res.Outcomes))
		res.Outcomes = append(res.Outcomes, out)
		fresh = append(fresh, salt)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return chain.DeployBatchResult{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	factory := bind.NewBoundContract(c.factory, c.factoryABI, c.rpc, c.rpc, c.rpc)
	tx, err := factory.Transact(opts, "deployMultiple", fresh)
	if err != nil {
		return chain.DeployBatchResult{}, fmt.Errorf("deployMultiple: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.rpc, tx)
	if err != nil {
		return chain.DeployBatchResult{}, fmt.Errorf("wait for deployMultiple %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == 0 {
		return chain.DeployBatchResult{}, fmt.Errorf("deployMultiple %s reverted", tx.Hash().Hex())
	}

	res.Tx = tx.Hash()
	for _, i := range freshIdx {
		res.Outcomes[i].Deployed = true
	}
	return res, nil
}

// TransferFunds implements chain.Client. The call lands at the forwarder,
// which pushes value through the routing engine to treasury; the node
// reverts the whole transaction on any failure, so confirmation implies
// the full settlement landed.
func (c *Client) TransferFunds(ctx context.Context, fwd common.Address, treasury common.Address) (common.Hash, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	forwarder := bind.NewBoundContract(fwd, c.forwarderABI, c.rpc, c.rpc, c.rpc)
	tx, err := forwarder.Transact(opts, "transferFunds", treasury)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transferFunds at %s: %w", fwd.Hex(), err)
	}
	receipt, err := bind.WaitMined(ctx, c.rpc, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("wait for transferFunds %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == 0 {
		return common.Hash{}, fmt.Errorf("transferFunds %s reverted", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}
