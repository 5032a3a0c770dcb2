// Package keystore persists signetd account records and paymaster
// registrations in SQLite.
//
// An account record never contains key material. It holds the entropy
// captured from hardware at creation time, sealed under a key derived
// from the factory seed, plus the public context needed to re-derive
// the account key on demand. SignUserOperation is the only path that
// reconstructs a plaintext key, and it wipes the key before returning.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"signetd/internal/derivation"
	"signetd/internal/entropy"
	"signetd/internal/security"
)

// Schema for the signetd account store.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id        TEXT PRIMARY KEY,
    address           BLOB NOT NULL,
    sealed_entropy    BLOB NOT NULL,
    context_digest    BLOB NOT NULL,
    credential_pubkey BLOB NOT NULL,
    key_version       INTEGER NOT NULL,
    account_index     INTEGER NOT NULL,
    created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_address ON accounts(address);

CREATE TABLE IF NOT EXISTS paymasters (
    address       BLOB PRIMARY KEY,
    name          TEXT NOT NULL,
    registered_at INTEGER NOT NULL
);
`

// Keystore errors.
var (
	ErrDuplicateAccount = errors.New("keystore: account already exists")
	ErrAccountNotFound  = errors.New("keystore: account not found")
	ErrSigningFailed    = errors.New("keystore: signing failed")
	ErrSealFailed       = errors.New("keystore: record sealing failed")
)

// RandomSource supplies the hardware entropy captured per account.
type RandomSource interface {
	Random(n int) ([]byte, error)
}

// Config configures a Keystore.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Seed is the loaded factory root seed. It stays resident for
	// sealing and key re-derivation.
	Seed *entropy.FactoryRootSeed

	// Entropy supplies hardware randomness at account creation.
	Entropy RandomSource

	// KeyVersion tags new records with the derivation scheme version.
	// Zero means the current version.
	KeyVersion uint32
}

// AccountRecord is a stored account. SealedEntropy stays sealed; only
// SignUserOperation opens it, transiently.
type AccountRecord struct {
	AccountID           AccountID
	Address             common.Address
	SealedEntropy       []byte
	ContextDigest       [32]byte
	CredentialPublicKey []byte
	KeyVersion          uint32
	AccountIndex        uint32
	CreatedAt           time.Time
}

// Paymaster is a registered paymaster row.
type Paymaster struct {
	Address      common.Address
	Name         string
	RegisteredAt time.Time
}

// Keystore is the SQLite-backed account store.
type Keystore struct {
	db         *sql.DB
	seed       *entropy.FactoryRootSeed
	random     RandomSource
	sealer     *sealer
	keyVersion uint32

	now func() time.Time
}

// Open opens or creates the store at cfg.Path and runs the schema.
func Open(cfg Config) (*Keystore, error) {
	if cfg.Seed == nil {
		return nil, fmt.Errorf("keystore: config requires a factory seed")
	}
	if cfg.Entropy == nil {
		return nil, fmt.Errorf("keystore: config requires an entropy source")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s, err := newSealer(cfg.Seed)
	if err != nil {
		db.Close()
		return nil, err
	}

	keyVersion := cfg.KeyVersion
	if keyVersion == 0 {
		keyVersion = derivation.Version
	}

	return &Keystore{
		db:         db,
		seed:       cfg.Seed,
		random:     cfg.Entropy,
		sealer:     s,
		keyVersion: keyVersion,
		now:        time.Now,
	}, nil
}

// Close closes the database connection.
func (k *Keystore) Close() error {
	if k.db != nil {
		return k.db.Close()
	}
	return nil
}

// Ping verifies the store connection, for readiness probes.
func (k *Keystore) Ping(ctx context.Context) error {
	return k.db.PingContext(ctx)
}

// CreateAccount captures fresh hardware entropy, derives the account
// address, and persists the sealed record. The identity tuple maps to
// exactly one account; re-registration fails with ErrDuplicateAccount.
func (k *Keystore) CreateAccount(identity Identity) (AccountID, common.Address, error) {
	id := ComputeAccountID(identity)
	createdAt := k.now().UTC().Truncate(time.Second)
	contextDigest := ComputeContextDigest(identity, k.keyVersion, createdAt)

	raw, err := k.random.Random(entropy.SeedSize)
	if err != nil {
		return id, common.Address{}, fmt.Errorf("capture account entropy: %w", err)
	}
	var accountEntropy [32]byte
	copy(accountEntropy[:], raw)
	security.Wipe(raw)
	defer security.Wipe(accountEntropy[:])

	const accountIndex = 0
	key, err := derivation.Derive(k.seed, accountEntropy, contextDigest, id.String(), accountIndex)
	if err != nil {
		return id, common.Address{}, err
	}
	address := key.Address()
	key.Wipe()

	sealed, err := k.sealer.seal(accountEntropy[:], []byte(id.String()))
	if err != nil {
		return id, common.Address{}, err
	}

	tx, err := k.db.Begin()
	if err != nil {
		return id, common.Address{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM accounts WHERE account_id = ?`, id.String()).Scan(&exists)
	switch {
	case err == nil:
		return id, common.Address{}, ErrDuplicateAccount
	case !errors.Is(err, sql.ErrNoRows):
		return id, common.Address{}, fmt.Errorf("check duplicate account: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO accounts (account_id, address, sealed_entropy, context_digest, credential_pubkey, key_version, account_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), address[:], sealed, contextDigest[:], identity.CredentialPublicKey,
		k.keyVersion, accountIndex, createdAt.Unix(),
	)
	if err != nil {
		return id, common.Address{}, fmt.Errorf("insert account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return id, common.Address{}, fmt.Errorf("commit transaction: %w", err)
	}

	return id, address, nil
}

// LoadRecord retrieves an account record by ID.
func (k *Keystore) LoadRecord(id AccountID) (*AccountRecord, error) {
	var (
		rec           AccountRecord
		address       []byte
		contextDigest []byte
		createdAt     int64
	)

	err := k.db.QueryRow(`
		SELECT address, sealed_entropy, context_digest, credential_pubkey, key_version, account_index, created_at
		FROM accounts WHERE account_id = ?`, id.String(),
	).Scan(&address, &rec.SealedEntropy, &contextDigest, &rec.CredentialPublicKey,
		&rec.KeyVersion, &rec.AccountIndex, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	rec.AccountID = id
	rec.Address = common.BytesToAddress(address)
	copy(rec.ContextDigest[:], contextDigest)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &rec, nil
}

// SignUserOperation re-derives the account key and signs the operation
// hash. Key material exists only for the duration of the call.
func (k *Keystore) SignUserOperation(id AccountID, userOpHash [32]byte) ([65]byte, error) {
	var sig [65]byte

	rec, err := k.LoadRecord(id)
	if err != nil {
		return sig, err
	}

	plain, err := k.sealer.open(rec.SealedEntropy, []byte(id.String()))
	if err != nil {
		return sig, fmt.Errorf("%w: unseal entropy: %v", ErrSigningFailed, err)
	}
	var accountEntropy [32]byte
	copy(accountEntropy[:], plain)
	security.Wipe(plain)
	defer security.Wipe(accountEntropy[:])

	key, err := derivation.Derive(k.seed, accountEntropy, rec.ContextDigest, id.String(), rec.AccountIndex)
	if err != nil {
		return sig, err
	}
	defer key.Wipe()

	if key.Address() != rec.Address {
		return sig, fmt.Errorf("%w: derived address mismatch", ErrSigningFailed)
	}

	sig, err = key.SignHash(userOpHash)
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// RegisterPaymaster upserts a paymaster registration.
func (k *Keystore) RegisterPaymaster(address common.Address, name string) error {
	_, err := k.db.Exec(`
		INSERT OR REPLACE INTO paymasters (address, name, registered_at)
		VALUES (?, ?, ?)`,
		address[:], name, k.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert paymaster: %w", err)
	}
	return nil
}

// ListPaymasters returns all registered paymasters.
func (k *Keystore) ListPaymasters() ([]Paymaster, error) {
	rows, err := k.db.Query(`
		SELECT address, name, registered_at
		FROM paymasters
		ORDER BY registered_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query paymasters: %w", err)
	}
	defer rows.Close()

	var out []Paymaster
	for rows.Next() {
		var (
			p            Paymaster
			address      []byte
			registeredAt int64
		)
		if err := rows.Scan(&address, &p.Name, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan paymaster: %w", err)
		}
		p.Address = common.BytesToAddress(address)
		p.RegisteredAt = time.Unix(registeredAt, 0).UTC()
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paymasters: %w", err)
	}
	return out, nil
}

// AccountCount returns the number of stored accounts.
func (k *Keystore) AccountCount() (int64, error) {
	var n int64
	if err := k.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
