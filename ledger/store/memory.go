// Package store provides an in-memory ledger.Store for tests and
// development. It mirrors the SQLite store's semantics, including the
// completed-reference uniqueness constraint and the promotion of
// pending rows on completion.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/niceverygood/heart-engine/ledger"
)

type Memory struct {
	mu           sync.Mutex
	accounts     map[ledger.UserID]*ledger.Account
	transactions []ledger.HeartTransaction // append order
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[ledger.UserID]*ledger.Account)}
}

var _ ledger.Store = (*Memory)(nil)

// Balance returns the balance, lazily creating the account.
func (m *Memory) Balance(_ context.Context, userID ledger.UserID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureAccount(userID).HeartBalance, nil
}

func (m *Memory) ensureAccount(userID ledger.UserID) *ledger.Account {
	acct, ok := m.accounts[userID]
	if !ok {
		now := time.Now().UTC()
		acct = &ledger.Account{
			UserID:       userID,
			HeartBalance: ledger.DefaultStartingBalance,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.accounts[userID] = acct
	}
	return acct
}

// ApplyDelta mutates the balance and appends the transaction under one
// lock, which stands in for the SQL transaction.
func (m *Memory) ApplyDelta(_ context.Context, d ledger.Delta) (*ledger.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Status == "" {
		d.Status = ledger.StatusCompleted
	}

	// Uniqueness constraint on completed references.
	if d.ExternalRef != "" {
		if existing := m.findCountedLocked(d.ExternalRef); existing != nil {
			return nil, &ledger.DuplicateReferenceError{
				ExternalRef:  d.ExternalRef,
				ExistingTxID: existing.ID,
			}
		}
	}

	now := time.Now().UTC()
	acct := m.ensureAccount(d.UserID)

	newBalance := acct.HeartBalance
	if d.Status == ledger.StatusCompleted {
		newBalance = acct.HeartBalance + d.Hearts
		if newBalance < 0 {
			return nil, &ledger.InsufficientBalanceError{
				UserID:    d.UserID,
				Available: acct.HeartBalance,
				Requested: -d.Hearts,
			}
		}
	}

	tx := ledger.HeartTransaction{
		ID:            ledger.NewTransactionID(),
		UserID:        d.UserID,
		ExternalRef:   d.ExternalRef,
		Amount:        d.Amount,
		HeartAmount:   d.Hearts,
		Status:        d.Status,
		Type:          d.Type,
		PaymentMethod: d.PaymentMethod,
		Reason:        d.Reason,
		PaidAt:        d.PaidAt,
		CreatedAt:     now,
	}
	if d.Status == ledger.StatusCompleted {
		completed := now
		tx.CompletedAt = &completed
	}

	// Promote an existing pending row for the same reference rather
	// than inserting a second one.
	if d.ExternalRef != "" {
		if i := m.indexOfPendingLocked(d.ExternalRef); i >= 0 {
			tx.ID = m.transactions[i].ID
			tx.CreatedAt = m.transactions[i].CreatedAt
			m.transactions[i] = tx
		} else {
			m.transactions = append(m.transactions, tx)
		}
	} else {
		m.transactions = append(m.transactions, tx)
	}

	if d.Status == ledger.StatusCompleted {
		acct.HeartBalance = newBalance
		acct.UpdatedAt = now
	}

	return &ledger.ApplyResult{NewBalance: newBalance, Transaction: tx}, nil
}

func (m *Memory) findCountedLocked(ref string) *ledger.HeartTransaction {
	for i := range m.transactions {
		if m.transactions[i].ExternalRef == ref && m.transactions[i].Counted() {
			return &m.transactions[i]
		}
	}
	return nil
}

func (m *Memory) indexOfPendingLocked(ref string) int {
	for i := range m.transactions {
		if m.transactions[i].ExternalRef == ref && m.transactions[i].Status == ledger.StatusPending {
			return i
		}
	}
	return -1
}

// Transactions returns the user's history, newest first.
func (m *Memory) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.HeartTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.HeartTransaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID == userID {
			out = append(out, m.transactions[i])
		}
	}
	return out, nil
}

func (m *Memory) FindByExternalRef(_ context.Context, ref string) (*ledger.HeartTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx := m.findCountedLocked(ref); tx != nil {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) RecordPending(_ context.Context, tx ledger.HeartTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.transactions {
		if m.transactions[i].ExternalRef == tx.ExternalRef && tx.ExternalRef != "" {
			return nil // already tracked in some status
		}
	}
	if tx.ID == "" {
		tx.ID = ledger.NewTransactionID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Status = ledger.StatusPending
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *Memory) PendingPurchases(_ context.Context) ([]ledger.HeartTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.HeartTransaction
	for _, tx := range m.transactions {
		if tx.Status == ledger.StatusPending {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) MarkRefunded(_ context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.transactions {
		if m.transactions[i].ID == id {
			now := time.Now().UTC()
			m.transactions[i].Status = ledger.StatusRefunded
			m.transactions[i].RefundedAt = &now
			return nil
		}
	}
	return ledger.ErrTransactionNotFound
}
