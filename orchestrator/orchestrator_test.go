package orchestrator

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radhat/depositrouter/chain/sim"
	"github.com/radhat/depositrouter/registry"
	"github.com/radhat/depositrouter/store"
)

var (
	simCfg = sim.Config{
		Factory: common.HexToAddress("0x00000000000000000000000000000000000000fa"),
		Router:  common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		Owner:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Signer:  common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	userA    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	userB    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type fixture struct {
	backend *sim.Backend
	store   *store.MemoryStore
	orc     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := sim.New(simCfg)
	require.NoError(t, err)
	require.NoError(t, backend.Registry().SetPermissions(simCfg.Owner, simCfg.Signer, registry.CapCaller))
	require.NoError(t, backend.Registry().SetPermissions(simCfg.Owner, treasury, registry.CapTreasury))

	st := store.NewMemoryStore()
	orc, err := New(Config{
		Factory:      simCfg.Factory,
		InitCodeHash: backend.Template().InitCodeHash(),
		Treasury:     treasury,
		Store:        st,
		Chain:        backend,
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return &fixture{backend: backend, store: st, orc: orc}
}

func TestCreateDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, dep.Address)
	assert.NotEqual(t, common.Hash{}, dep.Salt)
	assert.Equal(t, uint64(0), dep.Nonce)
	assert.NotEmpty(t, dep.Note)

	rec, err := f.orc.GetDeposit(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, userA, rec.Requester)

	// Next allocation for the same requester advances the nonce and
	// yields a fresh address.
	dep2, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dep2.Nonce)
	assert.NotEqual(t, dep.Address, dep2.Address)
}

func TestCreateDepositRejectsZeroRequester(t *testing.T) {
	f := newFixture(t)
	_, err := f.orc.CreateDeposit(context.Background(), common.Address{})
	assert.ErrorIs(t, err, ErrInvalidRequester)
}

func TestDistinctRequestersGetDistinctAddresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	depA, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	depB, err := f.orc.CreateDeposit(ctx, userB)
	require.NoError(t, err)

	assert.NotEqual(t, depA.Address, depB.Address)
	assert.NotEqual(t, depA.Salt, depB.Salt)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)

	amount := big.NewInt(1_000_000)
	f.backend.Fund(dep.Address, amount)

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Funded)
	assert.Equal(t, 1, res.Deployed)
	assert.Equal(t, 1, res.Routed)
	assert.NotNil(t, res.DeployTx)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Routes, 1)
	assert.Equal(t, dep.Address, res.Routes[0].Address)
	assert.Equal(t, amount, res.Routes[0].Amount)
	assert.NotEqual(t, common.Hash{}, res.Routes[0].Tx)

	rec, err := f.orc.GetDeposit(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRouted, rec.Status)

	tbal, err := f.backend.BalanceAt(ctx, treasury)
	require.NoError(t, err)
	assert.Equal(t, amount, tbal)
}

func TestCycleIdempotentWithoutNewFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	f.backend.Fund(dep.Address, big.NewInt(500))

	first, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Routed)

	// Second run: the routed record is terminal, nothing is re-deployed
	// or re-routed, and the treasury balance is unchanged.
	second, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Checked)
	assert.Equal(t, 0, second.Deployed)
	assert.Equal(t, 0, second.Routed)
	assert.Empty(t, second.Errors)

	tbal, err := f.backend.BalanceAt(ctx, treasury)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), tbal)
}

func TestUnfundedDepositStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Funded)
	assert.Empty(t, res.Errors)

	rec, err := f.orc.GetDeposit(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
}

func TestDeploymentCollisionFailsOnlyThatRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	victim, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	healthy, err := f.orc.CreateDeposit(ctx, userB)
	require.NoError(t, err)

	f.backend.Fund(victim.Address, big.NewInt(100))
	f.backend.Fund(healthy.Address, big.NewInt(200))

	// Someone already deployed at the victim's salt.
	_, err = f.backend.DeployBatch(ctx, []common.Hash{victim.Salt})
	require.NoError(t, err)

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Funded)
	assert.Equal(t, 1, res.Deployed)
	assert.Equal(t, 1, res.Routed)
	assert.NotEmpty(t, res.Errors)

	vrec, err := f.orc.GetDeposit(ctx, victim.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, vrec.Status)
	assert.Contains(t, vrec.LastError, "collision")

	hrec, err := f.orc.GetDeposit(ctx, healthy.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRouted, hrec.Status)
}

func TestBalanceCheckErrorCapturedPerRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	healthy, err := f.orc.CreateDeposit(ctx, userB)
	require.NoError(t, err)

	f.backend.SetBalanceError(broken.Address, assert.AnError)
	f.backend.Fund(healthy.Address, big.NewInt(300))

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)

	// The unreachable record is reported but does not stop the healthy
	// one from routing.
	assert.Equal(t, 1, res.Routed)
	assert.NotEmpty(t, res.Errors)

	brec, err := f.orc.GetDeposit(ctx, broken.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, brec.Status)
}

func TestSettlementFailureMarksRecordFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	f.backend.Fund(dep.Address, big.NewInt(700))

	// Revoke the treasury capability: deployment succeeds, settlement
	// is rejected by the routing engine.
	require.NoError(t, f.backend.Registry().SetPermissions(simCfg.Owner, treasury, registry.CapNone))

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deployed)
	assert.Equal(t, 0, res.Routed)
	assert.NotEmpty(t, res.Errors)

	rec, err := f.orc.GetDeposit(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "settlement failed")

	// The reverted settlement left the funds at the forwarder.
	bal, err := f.backend.BalanceAt(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(700), bal)
}

func TestFailedRecordIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dep, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	f.backend.Fund(dep.Address, big.NewInt(700))
	require.NoError(t, f.backend.Registry().SetPermissions(simCfg.Owner, treasury, registry.CapNone))

	_, err = f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)

	// Restore permissions; the failed record must stay failed without
	// operator intervention.
	require.NoError(t, f.backend.Registry().SetPermissions(simCfg.Owner, treasury, registry.CapTreasury))

	res, err := f.orc.RunRoutingCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
	assert.Equal(t, 0, res.Routed)

	rec, err := f.orc.GetDeposit(ctx, dep.Address)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestListDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orc.CreateDeposit(ctx, userA)
	require.NoError(t, err)
	depB, err := f.orc.CreateDeposit(ctx, userB)
	require.NoError(t, err)

	all, err := f.orc.ListDeposits(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, depB.Address, all[0].Address, "newest first")
}

func TestGetDepositNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orc.GetDeposit(context.Background(), common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
