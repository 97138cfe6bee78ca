// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/energy-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes atomic units behind one mutex. Wallet updates still go
// through the version compare-and-swap so it behaves like the SQL stores.
type Memory struct {
	mu      sync.RWMutex
	wallets map[ledger.UserID]ledger.Wallet
	txs     map[ledger.UserID][]ledger.Transaction
	refs    map[refKey]ledger.Transaction
	seq     int64
}

type refKey struct {
	UserID    ledger.UserID
	Reference string
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[ledger.UserID]ledger.Wallet),
		txs:     make(map[ledger.UserID][]ledger.Transaction),
		refs:    make(map[refKey]ledger.Transaction),
	}
}

func (m *Memory) GetWallet(_ context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(userID)
}

func (m *Memory) ListTransactions(_ context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txs[userID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]ledger.Transaction, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, cloneTx(all[i]))
	}
	return result, nil
}

func (m *Memory) History(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(userID), nil
}

func (m *Memory) FindByReference(_ context.Context, userID ledger.UserID, reference string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(userID, reference), nil
}

func (m *Memory) ListWalletIDs(_ context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ledger.UserID, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) loadLocked(userID ledger.UserID) (*ledger.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) historyLocked(userID ledger.UserID) []ledger.Transaction {
	all := m.txs[userID]
	result := make([]ledger.Transaction, len(all))
	for i, tx := range all {
		result[i] = cloneTx(tx)
	}
	return result
}

func (m *Memory) findLocked(userID ledger.UserID, reference string) *ledger.Transaction {
	if reference == "" {
		return nil
	}
	tx, ok := m.refs[refKey{UserID: userID, Reference: reference}]
	if !ok {
		return nil
	}
	c := cloneTx(tx)
	return &c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	if err := fn(&memoryView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	wallets map[ledger.UserID]ledger.Wallet
	txs     map[ledger.UserID][]ledger.Transaction
	refs    map[refKey]ledger.Transaction
	seq     int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		wallets: make(map[ledger.UserID]ledger.Wallet, len(m.wallets)),
		txs:     make(map[ledger.UserID][]ledger.Transaction, len(m.txs)),
		refs:    make(map[refKey]ledger.Transaction, len(m.refs)),
		seq:     m.seq,
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	for k, v := range m.txs {
		s.txs[k] = append([]ledger.Transaction(nil), v...)
	}
	for k, v := range m.refs {
		s.refs[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.wallets = s.wallets
	m.txs = s.txs
	m.refs = s.refs
	m.seq = s.seq
}

type memoryView struct {
	parent *Memory
}

func (v *memoryView) LoadWallet(_ context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	return v.parent.loadLocked(userID)
}

func (v *memoryView) InsertWallet(_ context.Context, w ledger.Wallet) error {
	if _, ok := v.parent.wallets[w.UserID]; ok {
		return ledger.ErrConcurrentConflict
	}
	v.parent.wallets[w.UserID] = w
	return nil
}

func (v *memoryView) ApplyDelta(_ context.Context, userID ledger.UserID, expectedVersion int64, u ledger.WalletUpdate) (*ledger.Wallet, error) {
	w, ok := v.parent.wallets[userID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	if w.Version != expectedVersion {
		return nil, ledger.ErrConcurrentConflict
	}
	next := u.Apply(w)
	if next.Balance < 0 {
		return nil, ledger.ErrInsufficientEnergy
	}
	v.parent.wallets[userID] = next
	return &next, nil
}

func (v *memoryView) Append(_ context.Context, tx *ledger.Transaction) error {
	if tx.Reference != "" {
		k := refKey{UserID: tx.UserID, Reference: tx.Reference}
		if _, ok := v.parent.refs[k]; ok {
			return ledger.ErrDuplicateReference
		}
	}
	v.parent.seq++
	tx.Seq = v.parent.seq

	stored := cloneTx(*tx)
	v.parent.txs[tx.UserID] = append(v.parent.txs[tx.UserID], stored)
	if tx.Reference != "" {
		v.parent.refs[refKey{UserID: tx.UserID, Reference: tx.Reference}] = stored
	}
	return nil
}

func (v *memoryView) FindByReference(_ context.Context, userID ledger.UserID, reference string) (*ledger.Transaction, error) {
	return v.parent.findLocked(userID, reference), nil
}

func (v *memoryView) History(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	return v.parent.historyLocked(userID), nil
}

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Metadata != nil {
		tx.Metadata = tx.Metadata.Clone()
	}
	return tx
}
