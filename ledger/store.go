/*
store.go - Persistence interfaces for wallets and the transaction log

KEY INTERFACES:
  Store:   Read-only queries plus WithTx for atomic units
  TxStore: Operations valid inside one atomic unit (wallet row + log append)

APPEND-ONLY CONTRACT:
  The transaction log has Append and reads. There is NO Update or Delete.

ATOMIC UNITS:
  WithTx runs fn inside one database transaction. If fn returns an error
  nothing it wrote is visible; if it returns nil the wallet change and every
  appended transaction commit together.

CONCURRENCY:
  ApplyDelta is a compare-and-swap on Wallet.Version. A store returns
  ErrConcurrentConflict when the version moved since the wallet was read,
  and the Service retries the whole unit. Stores may additionally lock the
  row in LoadWallet (PostgreSQL uses SELECT ... FOR UPDATE).

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite, optimistic
  - store/postgres/postgres.go: PostgreSQL, pessimistic row lock
*/
package ledger

import "context"

// Store handles persistence of wallets and transactions.
type Store interface {
	// GetWallet returns ErrWalletNotFound if the user has no wallet.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// ListTransactions returns up to limit transactions, most recent first.
	// limit <= 0 means no limit.
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)

	// History returns every transaction for the user in creation order.
	History(ctx context.Context, userID UserID) ([]Transaction, error)

	// FindByReference returns nil, nil when no transaction carries reference.
	FindByReference(ctx context.Context, userID UserID, reference string) (*Transaction, error)

	// ListWalletIDs returns all user IDs that have a wallet.
	ListWalletIDs(ctx context.Context) ([]UserID, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(TxStore) error) error
}

// TxStore is the view of the store inside an atomic unit.
type TxStore interface {
	// LoadWallet returns ErrWalletNotFound if absent.
	LoadWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// InsertWallet creates the row. Returns ErrConcurrentConflict if another
	// unit created it first.
	InsertWallet(ctx context.Context, w Wallet) error

	// ApplyDelta applies u if the stored version still equals
	// expectedVersion and the resulting balance is non-negative.
	ApplyDelta(ctx context.Context, userID UserID, expectedVersion int64, u WalletUpdate) (*Wallet, error)

	// Append persists tx and assigns Seq. Returns ErrDuplicateReference if
	// tx.Reference is already used by this user.
	Append(ctx context.Context, tx *Transaction) error

	FindByReference(ctx context.Context, userID UserID, reference string) (*Transaction, error)

	// History returns the user's transactions in creation order, read inside
	// the unit so it is consistent with LoadWallet.
	History(ctx context.Context, userID UserID) ([]Transaction, error)
}
