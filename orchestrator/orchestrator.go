// Package orchestrator drives deposit destinations through their lifecycle:
// address allocation, funding detection, batched forwarder deployment, and
// settlement to the treasury.
//
// Progress is committed per record. One record failing to deploy or settle
// never aborts the rest of a cycle, and a cycle interrupted between records
// leaves every already-committed transition valid.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/radhat/depositrouter/chain"
	"github.com/radhat/depositrouter/create2"
	"github.com/radhat/depositrouter/store"
)

const defaultBalanceConcurrency = 8

// ErrInvalidRequester rejects malformed or zero requester identities before
// any state is touched.
var ErrInvalidRequester = errors.New("orchestrator: invalid requester address")

// Config wires an Orchestrator.
type Config struct {
	Factory      common.Address
	InitCodeHash common.Hash
	Treasury     common.Address
	Store        store.DepositStore
	Chain        chain.Client
	Logger       *slog.Logger
	// BalanceConcurrency bounds concurrent balance queries in a cycle.
	// Zero means a small default.
	BalanceConcurrency int
}

// Orchestrator is the sole writer of the deposit store. A single
// orchestrator may serve concurrent readers; routing cycles serialize.
type Orchestrator struct {
	factory      common.Address
	initCodeHash common.Hash
	treasury     common.Address
	store        store.DepositStore
	chain        chain.Client
	log          *slog.Logger
	balanceConc  int

	cycleMu sync.Mutex
}

// New validates cfg and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("orchestrator: factory address is required")
	}
	if cfg.InitCodeHash == (common.Hash{}) {
		return nil, fmt.Errorf("orchestrator: init code hash is required")
	}
	if cfg.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("orchestrator: treasury address is required")
	}
	if cfg.Store == nil || cfg.Chain == nil {
		return nil, fmt.Errorf("orchestrator: store and chain client are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	conc := cfg.BalanceConcurrency
	if conc <= 0 {
		conc = defaultBalanceConcurrency
	}
	return &Orchestrator{
		factory:      cfg.Factory,
		initCodeHash: cfg.InitCodeHash,
		treasury:     cfg.Treasury,
		store:        cfg.Store,
		chain:        cfg.Chain,
		log:          log,
		balanceConc:  conc,
	}, nil
}

// CreatedDeposit is the result of allocating a new deposit destination.
type CreatedDeposit struct {
	Address common.Address
	Salt    common.Hash
	Nonce   uint64
	Note    string
}

// CreateDeposit allocates the next deterministic deposit address for
// requester and persists it as pending. No chain interaction happens here;
// the address is computed entirely off-chain.
func (o *Orchestrator) CreateDeposit(ctx context.Context, requester common.Address) (CreatedDeposit, error) {
	if requester == (common.Address{}) {
		return CreatedDeposit{}, ErrInvalidRequester
	}

	nonce, err := o.store.NextNonce(ctx, requester)
	if err != nil {
		return CreatedDeposit{}, fmt.Errorf("allocate nonce: %w", err)
	}

	addr, salt := create2.ComputeDepositAddress(o.factory, o.initCodeHash, requester, nonce)

	rec := &store.DepositRecord{
		Requester: requester,
		Salt:      salt,
		Address:   addr,
		Nonce:     nonce,
		Status:    store.StatusPending,
	}
	if err := o.store.Insert(ctx, rec); err != nil {
		return CreatedDeposit{}, fmt.Errorf("persist deposit: %w", err)
	}

	o.log.Info("created deposit address",
		"requester", requester.Hex(),
		"nonce", nonce,
		"address", addr.Hex())

	return CreatedDeposit{
		Address: addr,
		Salt:    salt,
		Nonce:   nonce,
		Note:    "Send funds to this address. They will be routed to the treasury.",
	}, nil
}

// ListDeposits returns every record, newest first.
func (o *Orchestrator) ListDeposits(ctx context.Context) ([]store.DepositRecord, error) {
	return o.store.List(ctx)
}

// GetDeposit returns the record for addr, or store.ErrNotFound.
func (o *Orchestrator) GetDeposit(ctx context.Context, addr common.Address) (store.DepositRecord, error) {
	return o.store.GetByAddress(ctx, addr)
}

// RouteEntry is one successful settlement within a cycle.
type RouteEntry struct {
	Address common.Address
	Tx      common.Hash
	Amount  *big.Int
}

// RouteBatchResult aggregates one routing cycle. Its contents fold into
// per-record status updates; the struct itself is not persisted.
type RouteBatchResult struct {
	Checked  int
	Funded   int
	Deployed int
	Routed   int
	DeployTx *common.Hash
	Routes   []RouteEntry
	Errors   []string
}

// RunRoutingCycle advances every non-terminal record as far as it can go:
// pending records with observed balances become funded, funded records get
// a forwarder in one batched deployment, and deployed records with balances
// are settled to the treasury one address at a time.
//
// The cycle is idempotent: with no new funding it performs zero transfers
// and changes nothing. Failures are captured per record; a cycle with some
// failing records still reports all successful progress.
func (o *Orchestrator) RunRoutingCycle(ctx context.Context) (RouteBatchResult, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	var res RouteBatchResult

	records, err := o.store.ListByStatuses(ctx,
		store.StatusPending, store.StatusFunded, store.StatusDeployed)
	if err != nil {
		return res, fmt.Errorf("list deposits: %w", err)
	}
	res.Checked = len(records)
	if len(records) == 0 {
		return res, nil
	}

	o.log.Info("routing cycle started", "records", len(records))

	var pending, funded, deployed []store.DepositRecord
	for _, rec := range records {
		switch rec.Status {
		case store.StatusPending:
			pending = append(pending, rec)
		case store.StatusFunded:
			funded = append(funded, rec)
		case store.StatusDeployed:
			deployed = append(deployed, rec)
		}
	}

	newlyFunded := o.checkFunding(ctx, pending, &res)
	funded = append(funded, newlyFunded...)
	res.Funded = len(funded)

	deployed = append(deployed, o.deployForwarders(ctx, funded, &res)...)

	o.settle(ctx, deployed, &res)

	o.log.Info("routing cycle complete",
		"checked", res.Checked,
		"funded", res.Funded,
		"deployed", res.Deployed,
		"routed", res.Routed,
		"errors", len(res.Errors))

	return res, nil
}

// checkFunding queries balances for pending records, bounded by the
// configured concurrency, and promotes funded ones. Query failures are
// captured per record.
func (o *Orchestrator) checkFunding(ctx context.Context, pending []store.DepositRecord, res *RouteBatchResult) []store.DepositRecord {
	if len(pending) == 0 {
		return nil
	}

	type balanceResult struct {
		rec store.DepositRecord
		bal *big.Int
		err error
	}

	results := make([]balanceResult, len(pending))
	sem := make(chan struct{}, o.balanceConc)
	var wg sync.WaitGroup
	for i, rec := range pending {
		wg.Add(1)
		go func(i int, rec store.DepositRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			bal, err := o.chain.BalanceAt(ctx, rec.Address)
			results[i] = balanceResult{rec: rec, bal: bal, err: err}
		}(i, rec)
	}
	wg.Wait()

	var newlyFunded []store.DepositRecord
	for _, r := range results {
		if r.err != nil {
			o.log.Error("balance check failed", "address", r.rec.Address.Hex(), "err", r.err)
			res.Errors = append(res.Errors,
				fmt.Sprintf("balance check failed for %s: %v", r.rec.Address.Hex(), r.err))
			continue
		}
		if r.bal.Sign() <= 0 {
			continue
		}
		if err := o.store.UpdateStatus(ctx, r.rec.Address, store.StatusFunded, ""); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("status update failed for %s: %v", r.rec.Address.Hex(), err))
			continue
		}
		o.log.Info("deposit funded", "address", r.rec.Address.Hex(), "balance", r.bal.String())
		rec := r.rec
		rec.Status = store.StatusFunded
		newlyFunded = append(newlyFunded, rec)
	}
	return newlyFunded
}

// deployForwarders issues one batched deployment covering every funded
// record. Per-record collisions fail only that record; a transport failure
// leaves all records funded for the next cycle.
func (o *Orchestrator) deployForwarders(ctx context.Context, funded []store.DepositRecord, res *RouteBatchResult) []store.DepositRecord {
	if len(funded) == 0 {
		return nil
	}

	salts := make([]common.Hash, len(funded))
	byAddr := make(map[common.Address]store.DepositRecord, len(funded))
	for i, rec := range funded {
		salts[i] = rec.Salt
		byAddr[rec.Address] = rec
	}

	batch, err := o.chain.DeployBatch(ctx, salts)
	if err != nil {
		// Infrastructure failure: records stay funded, nothing is marked
		// failed, the next cycle retries deployment.
		o.log.Error("forwarder deployment failed", "err", err, "count", len(salts))
		res.Errors = append(res.Errors, fmt.Sprintf("deploy batch failed: %v", err))
		return nil
	}
	if batch.Tx != (common.Hash{}) {
		tx := batch.Tx
		res.DeployTx = &tx
	}

	var deployed []store.DepositRecord
	for _, out := range batch.Outcomes {
		rec, ok := byAddr[out.Address]
		if !ok {
			res.Errors = append(res.Errors,
				fmt.Sprintf("deployment reported unknown address %s", out.Address.Hex()))
			continue
		}
		switch {
		case out.Collision:
			reason := fmt.Sprintf("deployment collision: address %s already has code", out.Address.Hex())
			if err := o.store.UpdateStatus(ctx, rec.Address, store.StatusFailed, reason); err != nil {
				res.Errors = append(res.Errors,
					fmt.Sprintf("status update failed for %s: %v", rec.Address.Hex(), err))
				continue
			}
			o.log.Warn("deployment collision", "address", out.Address.Hex())
			res.Errors = append(res.Errors, reason)
		case out.Deployed:
			if err := o.store.UpdateStatus(ctx, rec.Address, store.StatusDeployed, ""); err != nil {
				res.Errors = append(res.Errors,
					fmt.Sprintf("status update failed for %s: %v", rec.Address.Hex(), err))
				continue
			}
			res.Deployed++
			rec.Status = store.StatusDeployed
			deployed = append(deployed, rec)
		}
	}
	if res.Deployed > 0 {
		o.log.Info("forwarders deployed", "count", res.Deployed)
	}
	return deployed
}

// settle routes each deployed record's holdings to the treasury, one
// address at a time so a failure is attributable to a single record.
func (o *Orchestrator) settle(ctx context.Context, deployed []store.DepositRecord, res *RouteBatchResult) {
	for _, rec := range deployed {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cycle interrupted: %v", err))
			return
		}

		bal, err := o.chain.BalanceAt(ctx, rec.Address)
		if err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("balance check failed for %s: %v", rec.Address.Hex(), err))
			continue
		}
		if bal.Sign() <= 0 {
			// Nothing to move; the record stays deployed.
			continue
		}

		tx, err := o.chain.TransferFunds(ctx, rec.Address, o.treasury)
		if err != nil {
			reason := fmt.Sprintf("settlement failed: %v", err)
			if uerr := o.store.UpdateStatus(ctx, rec.Address, store.StatusFailed, reason); uerr != nil {
				res.Errors = append(res.Errors,
					fmt.Sprintf("status update failed for %s: %v", rec.Address.Hex(), uerr))
			}
			o.log.Error("settlement failed", "address", rec.Address.Hex(), "err", err)
			res.Errors = append(res.Errors,
				fmt.Sprintf("settlement failed for %s: %v", rec.Address.Hex(), err))
			continue
		}

		if err := o.store.UpdateStatus(ctx, rec.Address, store.StatusRouted, ""); err != nil {
			res.Errors = append(res.Errors,
				fmt.Sprintf("status update failed for %s: %v", rec.Address.Hex(), err))
			continue
		}
		res.Routed++
		res.Routes = append(res.Routes, RouteEntry{Address: rec.Address, Tx: tx, Amount: bal})
		o.log.Info("deposit routed",
			"address", rec.Address.Hex(),
			"amount", bal.String(),
			"tx", tx.Hex())
	}
}
