// Package sqlite provides the durable DepositStore used in production.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/radhat/depositrouter/store"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deposits (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	requester        TEXT NOT NULL,
	salt             TEXT NOT NULL,
	deposit_address  TEXT NOT NULL UNIQUE,
	nonce            INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deposits_requester ON deposits(requester);
CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposits(status);

CREATE TABLE IF NOT EXISTS requester_nonces (
	requester   TEXT PRIMARY KEY,
	next_nonce  INTEGER NOT NULL DEFAULT 0
);
`

// Store is a sqlite-backed DepositStore. A single *sql.DB is safe for
// concurrent use; write transactions serialize on the database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema is
// current.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaV1); err != nil {
		return err
	}
	var ver int
	err := db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&ver)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion)
		return err
	case err != nil:
		return err
	case ver > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", ver, schemaVersion)
	}
	return nil
}

func (s *Store) NextNonce(ctx context.Context, requester common.Address) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	req := strings.ToLower(requester.Hex())
	var n int64
	err = tx.QueryRowContext(ctx,
		"SELECT next_nonce FROM requester_nonces WHERE requester = ?", req).Scan(&n)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO requester_nonces (requester, next_nonce) VALUES (?, 1)", req); err != nil {
			return 0, err
		}
		n = 0
	case err != nil:
		return 0, err
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE requester_nonces SET next_nonce = next_nonce + 1 WHERE requester = ?", req); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *Store) Insert(ctx context.Context, rec *store.DepositRecord) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deposits (requester, salt, deposit_address, nonce, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		strings.ToLower(rec.Requester.Hex()),
		rec.Salt.Hex(),
		strings.ToLower(rec.Address.Hex()),
		int64(rec.Nonce),
		string(store.StatusPending),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return store.ErrDuplicateAddress
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	rec.Status = store.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

const selectColumns = "id, requester, salt, deposit_address, nonce, status, last_error, created_at, updated_at"

func (s *Store) GetByAddress(ctx context.Context, addr common.Address) (store.DepositRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM deposits WHERE deposit_address = ?",
		strings.ToLower(addr.Hex()))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DepositRecord{}, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) List(ctx context.Context) ([]store.DepositRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM deposits ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) ListByStatuses(ctx context.Context, statuses ...store.Status) ([]store.DepositRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM deposits WHERE status IN ("+placeholders+") ORDER BY id ASC",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) UpdateStatus(ctx context.Context, addr common.Address, next store.Status, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	key := strings.ToLower(addr.Hex())
	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM deposits WHERE deposit_address = ?", key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !store.Status(current).CanTransition(next) {
		return store.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = ?, last_error = ?, updated_at = ?
		WHERE deposit_address = ?`,
		string(next), lastErr, time.Now().UTC().Format(time.RFC3339), key); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.DepositRecord, error) {
	var (
		rec                  store.DepositRecord
		requester, salt      string
		address, status      string
		nonce                int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &requester, &salt, &address, &nonce, &status, &rec.LastError, &createdAt, &updatedAt); err != nil {
		return store.DepositRecord{}, err
	}
	rec.Requester = common.HexToAddress(requester)
	rec.Salt = common.HexToHash(salt)
	rec.Address = common.HexToAddress(address)
	rec.Nonce = uint64(nonce)
	rec.Status = store.Status(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]store.DepositRecord, error) {
	var out []store.DepositRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
