/*
Package sqlite provides the SQLite-backed implementation of the ledger
and progression storage interfaces.

PURPOSE:
  Implements ledger.Store and progression.Store. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  accounts:           Per-user heart balances
  heart_transactions: Append-only heart ledger
  relations:          Per-(user, character) score and stage
  relation_events:    Append-only relationship event log

UNIQUENESS ENFORCEMENT:
  idx_unique_counted_ref is a partial unique index on
  heart_transactions(external_ref) over every status that occupies a
  reference: completed, refunded, and pending_user_verification. The
  credit operation treats a violation of this index as "already
  processed" (DuplicateReferenceError), never as a storage failure.
  This is what makes the webhook/poll/native-receipt race safe across
  process restarts and multi-instance deployment - no in-memory
  "already seen" set is involved. Refunded rows stay in the index: a
  redelivered webhook for a refunded purchase must not re-credit it.

ATOMICITY:
  Every balance mutation and its transaction row commit inside one SQL
  transaction; every relation update commits with its event append.
  A crash between the two writes is impossible to observe.

CONCURRENCY:
  Per-key mutexes (account id; user|character pair) serialize the
  read-modify-write on each balance and each relation score. Different
  keys proceed concurrently. SQLite runs in WAL mode so readers do not
  block.

USAGE:
  store, err := sqlite.New("./data/hearts.db")   // ":memory:" for tests
  defer store.Close()
  led := ledger.New(store, notifier)

SEE ALSO:
  - ledger/store.go: interface contracts
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/niceverygood/heart-engine/ledger"
	"github.com/niceverygood/heart-engine/progression"
)

// Store implements ledger.Store and progression.Store using SQLite.
type Store struct {
	db    *sql.DB
	locks keyedLocks
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ progression.Store = (*Store)(nil)
)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The keyed mutexes are the serialization points; a single
	// connection keeps ":memory:" databases coherent as well.
	db.SetMaxOpenConns(1)

	store := &Store{}
	store.db = db
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

func (s *Store) migrate() error {
	schema := `
	-- Accounts (heart balances; only ApplyDelta writes heart_balance)
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		heart_balance INTEGER NOT NULL CHECK (heart_balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Heart transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS heart_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_ref TEXT,
		amount TEXT,
		heart_amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		payment_method TEXT,
		reason TEXT,
		paid_at TEXT,
		completed_at TEXT,
		refunded_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one counted transaction per external reference.
	-- A reference stays occupied after a refund or while quarantined;
	-- only 'pending' rows are outside the index (they are promoted in
	-- place, never duplicated). Duplicate webhook/poll/native
	-- deliveries hit this index; the violation is mapped to "already
	-- processed", not an error.
	DROP INDEX IF EXISTS idx_unique_completed_ref;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_counted_ref
		ON heart_transactions(external_ref)
		WHERE status IN ('completed', 'refunded', 'pending_user_verification')
		  AND external_ref IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_heart_tx_user
		ON heart_transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_heart_tx_ref
		ON heart_transactions(external_ref) WHERE external_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_heart_tx_status
		ON heart_transactions(status);

	-- Relations (one row per user+character)
	CREATE TABLE IF NOT EXISTS relations (
		user_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 1000),
		stage INTEGER NOT NULL CHECK (stage BETWEEN 0 AND 6),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, character_id)
	);

	-- Relation events (append-only)
	CREATE TABLE IF NOT EXISTS relation_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		delta_score INTEGER NOT NULL,
		description TEXT,
		score_after INTEGER NOT NULL,
		stage_after INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relation_events_pair
		ON relation_events(user_id, character_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// Balance returns the user's balance, creating the account lazily.
func (s *Store) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	unlock := s.locks.lock("acct:" + string(userID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := s.ensureAccount(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

func (s *Store) ensureAccount(ctx context.Context, tx *sql.Tx, userID ledger.UserID) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, heart_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, ledger.DefaultStartingBalance, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		"SELECT heart_balance FROM accounts WHERE user_id = ?", userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// ApplyDelta performs the atomic balance mutation + transaction append.
func (s *Store) ApplyDelta(ctx context.Context, d ledger.Delta) (*ledger.ApplyResult, error) {
	unlock := s.locks.lock("acct:" + string(d.UserID))
	defer unlock()

	if d.Status == "" {
		d.Status = ledger.StatusCompleted
	}

	res, err := s.applyDeltaTx(ctx, d)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Constraint backstop: a concurrent writer completed the
			// same reference first. Resolve to the existing row.
			return nil, s.duplicateRefError(ctx, d.ExternalRef)
		}
		return nil, err
	}
	return res, nil
}

func (s *Store) applyDeltaTx(ctx context.Context, d ledger.Delta) (*ledger.ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency guard, inside the same transaction as the credit.
	if d.ExternalRef != "" {
		var existingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM heart_transactions
			WHERE external_ref = ? AND status IN ('completed', 'refunded', 'pending_user_verification')
		`, d.ExternalRef).Scan(&existingID)
		if err == nil {
			return nil, &ledger.DuplicateReferenceError{
				ExternalRef:  d.ExternalRef,
				ExistingTxID: ledger.TransactionID(existingID),
			}
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check reference: %w", err)
		}
	}

	balance, err := s.ensureAccount(ctx, tx, d.UserID)
	if err != nil {
		return nil, err
	}

	newBalance := balance
	if d.Status == ledger.StatusCompleted {
		newBalance = balance + d.Hearts
		if newBalance < 0 {
			return nil, &ledger.InsufficientBalanceError{
				UserID:    d.UserID,
				Available: balance,
				Requested: -d.Hearts,
			}
		}
	}

	now := time.Now().UTC()
	record := ledger.HeartTransaction{
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
		record.CompletedAt = &completed
	}

	// Promote an existing pending row for this reference rather than
	// inserting a second one (pending -> completed transition).
	promoted := false
	if d.ExternalRef != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE heart_transactions
			SET user_id = ?, amount = ?, heart_amount = ?, status = ?, tx_type = ?,
			    payment_method = ?, reason = ?, paid_at = ?, completed_at = ?
			WHERE external_ref = ? AND status = 'pending'
		`,
			record.UserID, nullDecimal(record.Amount), record.HeartAmount,
			record.Status, record.Type, nullString(record.PaymentMethod),
			nullString(record.Reason), nullTime(record.PaidAt),
			nullTime(record.CompletedAt), d.ExternalRef,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			promoted = true
			err = tx.QueryRowContext(ctx, `
				SELECT id FROM heart_transactions
				WHERE external_ref = ? AND status = ?
			`, d.ExternalRef, record.Status).Scan(&record.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to reload promoted transaction: %w", err)
			}
		}
	}

	if !promoted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO heart_transactions
			(id, user_id, external_ref, amount, heart_amount, status, tx_type,
			 payment_method, reason, paid_at, completed_at, refunded_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		`,
			record.ID, record.UserID, nullString(record.ExternalRef),
			nullDecimal(record.Amount), record.HeartAmount, record.Status,
			record.Type, nullString(record.PaymentMethod), nullString(record.Reason),
			nullTime(record.PaidAt), nullTime(record.CompletedAt),
			now.Format(time.RFC3339),
		)
		if err != nil {
			return nil, err
		}
	}

	if d.Status == ledger.StatusCompleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET heart_balance = ?, updated_at = ? WHERE user_id = ?
		`, newBalance, now.Format(time.RFC3339), d.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ledger.ApplyResult{NewBalance: newBalance, Transaction: record}, nil
}

func (s *Store) duplicateRefError(ctx context.Context, ref string) error {
	existing, err := s.FindByExternalRef(ctx, ref)
	if err != nil || existing == nil {
		return &ledger.DuplicateReferenceError{ExternalRef: ref}
	}
	return &ledger.DuplicateReferenceError{ExternalRef: ref, ExistingTxID: existing.ID}
}

// Transactions returns the user's history, newest first.
func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.HeartTransaction, error) {
	return s.queryTransactions(ctx, `
		SELECT id, user_id, external_ref, amount, heart_amount, status, tx_type,
		       payment_method, reason, paid_at, completed_at, refunded_at, created_at
		FROM heart_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID)
}

// FindByExternalRef returns the transaction that owns the reference.
func (s *Store) FindByExternalRef(ctx context.Context, ref string) (*ledger.HeartTransaction, error) {
	txs, err := s.queryTransactions(ctx, `
		SELECT id, user_id, external_ref, amount, heart_amount, status, tx_type,
		       payment_method, reason, paid_at, completed_at, refunded_at, created_at
		FROM heart_transactions
		WHERE external_ref = ? AND status IN ('completed', 'refunded', 'pending_user_verification')
		LIMIT 1
	`, ref)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

// RecordPending stores a pending purchase unless the reference is
// already tracked in any status.
func (s *Store) RecordPending(ctx context.Context, record ledger.HeartTransaction) error {
	if record.ExternalRef == "" {
		return fmt.Errorf("pending transaction requires an external reference")
	}
	unlock := s.locks.lock("acct:" + string(record.UserID))
	defer unlock()

	if record.ID == "" {
		record.ID = ledger.NewTransactionID()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heart_transactions
		(id, user_id, external_ref, amount, heart_amount, status, tx_type,
		 payment_method, reason, paid_at, created_at)
		SELECT ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM heart_transactions WHERE external_ref = ?
		)
	`,
		record.ID, record.UserID, record.ExternalRef, nullDecimal(record.Amount),
		record.HeartAmount, record.Type, nullString(record.PaymentMethod),
		nullString(record.Reason), nullTime(record.PaidAt), now,
		record.ExternalRef,
	)
	return err
}

// PendingPurchases returns purchases awaiting confirmation, oldest first.
func (s *Store) PendingPurchases(ctx context.Context) ([]ledger.HeartTransaction, error) {
	return s.queryTransactions(ctx, `
		SELECT id, user_id, external_ref, amount, heart_amount, status, tx_type,
		       payment_method, reason, paid_at, completed_at, refunded_at, created_at
		FROM heart_transactions
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
}

// MarkRefunded flips a completed purchase to refunded.
func (s *Store) MarkRefunded(ctx context.Context, id ledger.TransactionID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE heart_transactions SET status = 'refunded', refunded_at = ?
		WHERE id = ? AND status = 'completed'
	`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.HeartTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.HeartTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.HeartTransaction, error) {
	var (
		tx            ledger.HeartTransaction
		externalRef   sql.NullString
		amount        sql.NullString
		paymentMethod sql.NullString
		reason        sql.NullString
		paidAt        sql.NullString
		completedAt   sql.NullString
		refundedAt    sql.NullString
		createdAt     string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &externalRef, &amount, &tx.HeartAmount,
		&tx.Status, &tx.Type, &paymentMethod, &reason,
		&paidAt, &completedAt, &refundedAt, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ExternalRef = externalRef.String
	tx.PaymentMethod = paymentMethod.String
	tx.Reason = reason.String
	if amount.Valid {
		if d, err := decimal.NewFromString(amount.String); err == nil {
			tx.Amount = decimal.NewNullDecimal(d)
		}
	}
	tx.PaidAt = parseNullTime(paidAt)
	tx.CompletedAt = parseNullTime(completedAt)
	tx.RefundedAt = parseNullTime(refundedAt)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return tx, nil
}

// =============================================================================
// PROGRESSION STORE (progression.Store interface)
// =============================================================================

// Relation returns the relation, creating it lazily at score 0.
func (s *Store) Relation(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) (*progression.Relation, error) {
	unlock := s.locks.lock(relationKey(userID, characterID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rel, err := s.ensureRelation(ctx, tx, userID, characterID)
	if err != nil {
		return nil, err
	}
	return rel, tx.Commit()
}

func (s *Store) ensureRelation(ctx context.Context, tx *sql.Tx, userID ledger.UserID, characterID ledger.CharacterID) (*progression.Relation, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO relations (user_id, character_id, score, stage, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(user_id, character_id) DO NOTHING
	`, userID, characterID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create relation: %w", err)
	}

	var (
		rel                  progression.Relation
		createdAt, updatedAt string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, character_id, score, stage, created_at, updated_at
		FROM relations WHERE user_id = ? AND character_id = ?
	`, userID, characterID).Scan(
		&rel.UserID, &rel.CharacterID, &rel.Score, &rel.Stage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read relation: %w", err)
	}
	rel.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rel.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rel, nil
}

// UpdateRelation serializes per relation and commits the relation
// update with the event append atomically.
func (s *Store) UpdateRelation(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID,
	fn func(rel *progression.Relation) (*progression.RelationEvent, error)) (*progression.Relation, error) {

	unlock := s.locks.lock(relationKey(userID, characterID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rel, err := s.ensureRelation(ctx, tx, userID, characterID)
	if err != nil {
		return nil, err
	}

	ev, err := fn(rel)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE relations SET score = ?, stage = ?, updated_at = ?
		WHERE user_id = ? AND character_id = ?
	`, rel.Score, rel.Stage, rel.UpdatedAt.Format(time.RFC3339), userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to update relation: %w", err)
	}

	if ev != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO relation_events
			(id, user_id, character_id, event_type, delta_score, description,
			 score_after, stage_after, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID, ev.UserID, ev.CharacterID, ev.EventType, ev.DeltaScore,
			nullString(ev.Description), ev.ScoreAfter, ev.StageAfter,
			ev.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append relation event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rel, nil
}

// Events returns the relation's event log, newest first.
func (s *Store) Events(ctx context.Context, userID ledger.UserID, characterID ledger.CharacterID) ([]progression.RelationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, character_id, event_type, delta_score, description,
		       score_after, stage_after, created_at
		FROM relation_events
		WHERE user_id = ? AND character_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID, characterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relation events: %w", err)
	}
	defer rows.Close()

	var events []progression.RelationEvent
	for rows.Next() {
		var (
			ev          progression.RelationEvent
			description sql.NullString
			createdAt   string
		)
		err := rows.Scan(
			&ev.ID, &ev.UserID, &ev.CharacterID, &ev.EventType, &ev.DeltaScore,
			&description, &ev.ScoreAfter, &ev.StageAfter, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation event: %w", err)
		}
		ev.Description = description.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// KEYED LOCKS - Per-account / per-relation serialization
// =============================================================================

// keyedLocks hands out one mutex per key. Entries are never evicted;
// the set is bounded by the number of active accounts and relations.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func relationKey(userID ledger.UserID, characterID ledger.CharacterID) string {
	return "rel:" + string(userID) + "|" + string(characterID)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
