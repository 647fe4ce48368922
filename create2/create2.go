// Package create2 computes deterministic deposit addresses.
//
// A deposit address is derivable entirely off-chain from the factory
// address, a salt, and the forwarder init code hash, so it can be handed
// to a customer before anything is deployed there. The same formula is
// evaluated by the factory contract at deployment time; the two results
// must agree byte for byte.
package create2

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateUserSalt produces the raw per-deposit salt for a requester:
//
//	keccak256(requester ‖ nonce_be8)
//
// Nonces are allocated monotonically per requester, so every call with a
// fresh nonce yields a fresh salt.
func GenerateUserSalt(requester common.Address, nonce uint64) common.Hash {
	buf := make([]byte, 0, common.AddressLength+8)
	buf = append(buf, requester.Bytes()...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	return crypto.Keccak256Hash(buf)
}

// DeriveSalt namespaces a raw user salt by the requester:
//
//	keccak256(userSalt ‖ requester)
//
// Two requesters submitting the same raw salt therefore never collide.
func DeriveSalt(userSalt common.Hash, requester common.Address) common.Hash {
	buf := make([]byte, 0, common.HashLength+common.AddressLength)
	buf = append(buf, userSalt.Bytes()...)
	buf = append(buf, requester.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// ComputeAddress evaluates the CREATE2 formula:
//
//	address = keccak256(0xff ‖ factory ‖ salt ‖ initCodeHash)[12:]
//
// It is pure and has no failure modes; input widths are fixed by the
// parameter types.
func ComputeAddress(factory common.Address, salt, initCodeHash common.Hash) common.Address {
	buf := make([]byte, 0, 1+common.AddressLength+2*common.HashLength)
	buf = append(buf, 0xff)
	buf = append(buf, factory.Bytes()...)
	buf = append(buf, salt.Bytes()...)
	buf = append(buf, initCodeHash.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}

// ComputeDepositAddress runs the full derivation for a requester and nonce.
// It returns the deposit address together with the namespaced salt that the
// factory must be given to deploy at that address.
func ComputeDepositAddress(factory common.Address, initCodeHash common.Hash, requester common.Address, nonce uint64) (common.Address, common.Hash) {
	userSalt := GenerateUserSalt(requester, nonce)
	salt := DeriveSalt(userSalt, requester)
	return ComputeAddress(factory, salt, initCodeHash), salt
}

// ParseAddress parses a 0x-prefixed (or bare) hex string into an address,
// rejecting anything that is not exactly 20 bytes of hex.
func ParseAddress(s string) (common.Address, error) {
	raw := strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address hex %q: %w", s, err)
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("invalid address length: got %d bytes, want %d", len(b), common.AddressLength)
	}
	return common.BytesToAddress(b), nil
}

// ParseSalt parses a 0x-prefixed (or bare) hex string into a 32-byte salt.
func ParseSalt(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid salt hex %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid salt length: got %d bytes, want %d", len(b), common.HashLength)
	}
	return common.BytesToHash(b), nil
}
