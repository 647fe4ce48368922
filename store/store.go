// Package store defines the persisted deposit record and its lifecycle.
//
// Records are append-only: they are created when an address is handed out
// and only ever move forward through the status machine. The lifecycle
// orchestrator is the sole writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a deposit record.
type Status string

const (
	// StatusPending: address handed out, no funds observed yet.
	StatusPending Status = "pending"
	// StatusFunded: a nonzero balance was observed at the address.
	StatusFunded Status = "funded"
	// StatusDeployed: the forwarder was deployed at the address.
	StatusDeployed Status = "deployed"
	// StatusRouted: funds were settled to the treasury. Terminal.
	StatusRouted Status = "routed"
	// StatusFailed: deployment or settlement failed. Terminal until
	// operator intervention; cycles never retry it.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusRouted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward
// step. Failed is reachable only from Funded or Deployed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusFunded
	case StatusFunded:
		return next == StatusDeployed || next == StatusFailed
	case StatusDeployed:
		return next == StatusRouted || next == StatusFailed
	default:
		return false
	}
}

// DepositRecord is one issued deposit destination.
type DepositRecord struct {
	ID        int64
	Requester common.Address
	// Salt is the namespaced salt the factory deploys with; the address
	// is a pure function of it and the forwarder init code hash.
	Salt      common.Hash
	Address   common.Address
	Nonce     uint64
	Status    Status
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound is returned when no record exists for an address.
	ErrNotFound = errors.New("store: deposit not found")
	// ErrDuplicateAddress is returned when inserting a record whose
	// address is already present. Addresses are the unique key.
	ErrDuplicateAddress = errors.New("store: deposit address already exists")
	// ErrInvalidTransition is returned when a status update would move a
	// record backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// DepositStore persists deposit records. Implementations must be safe for
// concurrent use; updates are applied at per-record granularity so listing
// reads stay consistent while a cycle is writing.
type DepositStore interface {
	// NextNonce atomically allocates the next per-requester nonce,
	// starting from zero. Nonces are strictly increasing and never reused.
	NextNonce(ctx context.Context, requester common.Address) (uint64, error)

	// Insert persists a new record and fills in ID and timestamps.
	Insert(ctx context.Context, rec *DepositRecord) error

	// GetByAddress returns the record for addr or ErrNotFound.
	GetByAddress(ctx context.Context, addr common.Address) (DepositRecord, error)

	// List returns every record, newest first.
	List(ctx context.Context) ([]DepositRecord, error)

	// ListByStatuses returns records in any of the given statuses, oldest
	// first, so cycles process in issue order.
	ListByStatuses(ctx context.Context, statuses ...Status) ([]DepositRecord, error)

	// UpdateStatus moves a record forward, recording lastErr alongside
	// failure states. Illegal transitions return ErrInvalidTransition.
	UpdateStatus(ctx context.Context, addr common.Address, next Status, lastErr string) error
}
