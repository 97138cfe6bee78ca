/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable single-node storage for wallets and the energy transaction log.
  Suitable for development, tests and small deployments. Multi-instance
  deployments use store/postgres.

APPEND-ONLY ENFORCEMENT:
  The energy_transactions table rejects UPDATE and DELETE through triggers.
  Corrections are new compensating transactions, never edits.

KEY TABLES:
  wallets:             One row per user, guarded by a version column
  energy_transactions: Immutable ledger of every balance change

INDEXES:
  - idx_energy_tx_user_seq:   History and listing (hot path)
  - idx_energy_tx_reference:  UNIQUE (user_id, reference) for idempotent replays

CONCURRENCY:
  Units run in BEGIN IMMEDIATE transactions behind a sync.RWMutex, and
  every wallet write is a compare-and-swap on version. A CAS miss or a busy
  database surfaces as ledger.ErrConcurrentConflict so the service retries.

WAL MODE:
  Opened with WAL and a busy timeout so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/energy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, catalog, streak)

MIGRATION:
  Schema is auto-migrated on New(). store/postgres ships versioned
  migrations for production.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/energy-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and every connection to
	// ":memory:" would otherwise be a separate empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		lifetime_earned INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_earned >= 0),
		lifetime_spent INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_spent >= 0),
		current_streak_days INTEGER NOT NULL DEFAULT 0,
		streak_count INTEGER NOT NULL DEFAULT 0,
		last_energy_action_at TEXT,
		last_bonus_awarded_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS energy_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES wallets(user_id),
		tx_type TEXT NOT NULL CHECK (tx_type IN ('CREDIT', 'SPEND', 'BONUS')),
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		metadata_json TEXT NOT NULL DEFAULT '{}',
		reference TEXT,
		created_at TEXT NOT NULL,
		CHECK ((tx_type = 'SPEND' AND amount < 0) OR (tx_type <> 'SPEND' AND amount > 0))
	);

	CREATE INDEX IF NOT EXISTS idx_energy_tx_user_seq
		ON energy_transactions(user_id, seq);

	-- Idempotency: one transaction per (user, reference)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_energy_tx_reference
		ON energy_transactions(user_id, reference) WHERE reference IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS energy_transactions_no_update
		BEFORE UPDATE ON energy_transactions
		BEGIN SELECT RAISE(ABORT, 'energy_transactions is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS energy_transactions_no_delete
		BEFORE DELETE ON energy_transactions
		BEGIN SELECT RAISE(ABORT, 'energy_transactions is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.Store)
// =============================================================================

const walletColumns = `user_id, balance, lifetime_earned, lifetime_spent, current_streak_days,
	streak_count, last_energy_action_at, last_bonus_awarded_at, version, created_at, updated_at`

const txColumns = `seq, id, user_id, tx_type, amount, balance_after, metadata_json, reference, created_at`

// GetWallet returns the wallet or ledger.ErrWalletNotFound.
func (s *Store) GetWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadWallet(ctx, s.db, userID)
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT ` + txColumns + ` FROM energy_transactions
		WHERE user_id = ? ORDER BY seq DESC LIMIT ?`
	return queryTransactions(ctx, s.db, query, userID, limit)
}

// History returns every transaction in creation order.
func (s *Store) History(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return history(ctx, s.db, userID)
}

func (s *Store) FindByReference(ctx context.Context, userID ledger.UserID, reference string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByReference(ctx, s.db, userID, reference)
}

func (s *Store) ListWalletIDs(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, ledger.Persistence("list wallets", err)
	}
	defer rows.Close()

	var ids []ledger.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.Persistence("scan wallet id", err)
		}
		ids = append(ids, ledger.UserID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. Every query fn makes
// goes through the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LoadWallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	return loadWallet(ctx, ts.tx, userID)
}

func (ts *txStore) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.UserID, w.Balance, w.LifetimeEarned, w.LifetimeSpent, w.CurrentStreakDays,
		w.StreakCount, nullTime(w.LastEnergyActionAt), nullTime(w.LastBonusAwardedAt),
		w.Version, formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrConcurrentConflict
	}
	return classify("insert wallet", err)
}

// ApplyDelta is a compare-and-swap on the wallet version.
func (ts *txStore) ApplyDelta(ctx context.Context, userID ledger.UserID, expectedVersion int64, u ledger.WalletUpdate) (*ledger.Wallet, error) {
	current, err := loadWallet(ctx, ts.tx, userID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ledger.ErrConcurrentConflict
	}
	next := u.Apply(*current)
	if next.Balance < 0 {
		return nil, ledger.ErrInsufficientEnergy
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance = ?, lifetime_earned = ?, lifetime_spent = ?,
			current_streak_days = ?, streak_count = ?,
			last_energy_action_at = ?, last_bonus_awarded_at = ?,
			version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		next.Balance, next.LifetimeEarned, next.LifetimeSpent,
		next.CurrentStreakDays, next.StreakCount,
		nullTime(next.LastEnergyActionAt), nullTime(next.LastBonusAwardedAt),
		next.Version, formatTime(next.UpdatedAt),
		userID, expectedVersion,
	)
	if err != nil {
		return nil, classify("update wallet", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, classify("update wallet", err)
	} else if n == 0 {
		return nil, ledger.ErrConcurrentConflict
	}
	return &next, nil
}

func (ts *txStore) Append(ctx context.Context, tx *ledger.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ledger.ErrInvalidAction, err)
	}

	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO energy_transactions
		(id, user_id, tx_type, amount, balance_after, metadata_json, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount, tx.BalanceAfter,
		string(metadataJSON), nullString(tx.Reference), formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return classify("append transaction", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return classify("append transaction", err)
	}
	tx.Seq = seq
	return nil
}

func (ts *txStore) FindByReference(ctx context.Context, userID ledger.UserID, reference string) (*ledger.Transaction, error) {
	return findByReference(ctx, ts.tx, userID, reference)
}

func (ts *txStore) History(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return history(ctx, ts.tx, userID)
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func loadWallet(ctx context.Context, q querier, userID ledger.UserID) (*ledger.Wallet, error) {
	var (
		w                     ledger.Wallet
		id                    string
		lastAction, lastBonus sql.NullString
		createdAt, updatedAt  string
	)
	err := q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID).Scan(
		&id, &w.Balance, &w.LifetimeEarned, &w.LifetimeSpent, &w.CurrentStreakDays,
		&w.StreakCount, &lastAction, &lastBonus, &w.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, classify("load wallet", err)
	}

	w.UserID = ledger.UserID(id)
	if w.LastEnergyActionAt, err = parseNullTime(lastAction); err != nil {
		return nil, err
	}
	if w.LastBonusAwardedAt, err = parseNullTime(lastBonus); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func history(ctx context.Context, q querier, userID ledger.UserID) ([]ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM energy_transactions
		WHERE user_id = ? ORDER BY seq ASC`
	return queryTransactions(ctx, q, query, userID)
}

func findByReference(ctx context.Context, q querier, userID ledger.UserID, reference string) (*ledger.Transaction, error) {
	if reference == "" {
		return nil, nil
	}
	query := `SELECT ` + txColumns + ` FROM energy_transactions
		WHERE user_id = ? AND reference = ?`
	txs, err := queryTransactions(ctx, q, query, userID, reference)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		id, userID   string
		txType       string
		metadataJSON string
		reference    sql.NullString
		createdAt    string
	)

	err := rows.Scan(&tx.Seq, &id, &userID, &txType, &tx.Amount, &tx.BalanceAfter,
		&metadataJSON, &reference, &createdAt)
	if err != nil {
		return tx, ledger.Persistence("scan transaction", err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.UserID = ledger.UserID(userID)
	tx.Type = ledger.TransactionType(txType)
	tx.Reference = reference.String
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &tx.Metadata); err != nil {
			return tx, ledger.Persistence("decode metadata", err)
		}
	}

	return tx, nil
}

// Helper functions

// classify maps driver errors onto the ledger's retryable sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrConcurrentConflict, op, err)
	}
	return ledger.Persistence(op, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ledger.Persistence("parse time", err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
