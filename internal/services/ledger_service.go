package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/swiftpay/backend/internal/faults"
	"github.com/swiftpay/backend/internal/models"
)

// LedgerService owns every balance mutation. Transfers debit and credit in
// one database transaction with row locks taken in a deterministic order;
// the transfer_records table deduplicates retries by payer account plus
// idempotency key (a partial unique index over completed records backs the
// in-transaction check). Keys are caller-supplied, so replay is always
// scoped to the paying account: one account's key can never surface another
// account's record.
type LedgerService struct {
	db *sql.DB
}

// TransferResult reports the applied (or replayed) settlement outcome.
type TransferResult struct {
	IdempotencyKey string `json:"idempotencyKey"`
	PayerBalance   int64  `json:"payerBalance"`
	Replayed       bool   `json:"replayed"`
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// Transfer moves amount from one account to another atomically. A retry
// carrying an idempotency key that already completed returns the recorded
// result without touching balances again.
func (s *LedgerService) Transfer(ctx context.Context, fromAccountID, toAccountID string, amount int64, idempotencyKey, kind, voucherID string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, faults.E(faults.InvalidAmount, "amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if result, ok, err := s.replayCompleted(tx, idempotencyKey, fromAccountID); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	if err := s.transferLocked(tx, fromAccountID, toAccountID, idempotencyKey, amount); err != nil {
		return nil, err
	}

	payerBalance, err := s.insertRecord(tx, idempotencyKey, fromAccountID, toAccountID, amount, kind, models.TransferCompleted, voucherID, "")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to commit transfer", err)
	}

	return &TransferResult{IdempotencyKey: idempotencyKey, PayerBalance: payerBalance}, nil
}

// Credit applies a single-account top-up with the same idempotency contract
// as Transfer.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, idempotencyKey, kind string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, faults.E(faults.InvalidAmount, "amount must be positive")
	}
	return s.adjust(ctx, accountID, amount, idempotencyKey, kind)
}

// Debit applies a single-account withdrawal. Fails with InsufficientBalance
// rather than letting the balance go negative.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount int64, idempotencyKey, kind string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, faults.E(faults.InvalidAmount, "amount must be positive")
	}
	return s.adjust(ctx, accountID, -amount, idempotencyKey, kind)
}

func (s *LedgerService) adjust(ctx context.Context, accountID string, delta int64, idempotencyKey, kind string) (*TransferResult, error) {
	if delta == 0 {
		return nil, faults.E(faults.InvalidAmount, "amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if result, ok, err := s.replayCompleted(tx, idempotencyKey, accountID); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance + delta
	if newBalance < 0 {
		return nil, faults.E(faults.InsufficientBalance, "insufficient balance")
	}

	entryType := "CREDIT"
	if delta < 0 {
		entryType = "DEBIT"
	}
	if err := s.createLedgerEntry(tx, idempotencyKey, account.ID, delta, entryType, newBalance); err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(tx, account.ID, newBalance, account.Version); err != nil {
		return nil, err
	}

	if _, err := s.insertRecord(tx, idempotencyKey, account.ID, account.ID, abs(delta), kind, models.TransferCompleted, "", ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to commit adjustment", err)
	}

	return &TransferResult{IdempotencyKey: idempotencyKey, PayerBalance: newBalance}, nil
}

// RecordFailure appends a failed TransferRecord for a settlement attempt
// that aborted after a side effect. Failed rows never participate in
// idempotent replay. When the payer balance cannot be read the row carries
// NULL instead of a made-up figure.
func (s *LedgerService) RecordFailure(ctx context.Context, idempotencyKey, payerID, payeeID string, amount int64, kind, voucherID string, failureKind faults.Kind) error {
	var balanceAfter sql.NullInt64
	if balance, err := s.Balance(ctx, payerID); err != nil {
		log.Printf("[LEDGER] Balance read failed while recording failure %s: %v", idempotencyKey, err)
	} else {
		balanceAfter = sql.NullInt64{Int64: balance, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_records
		(idempotency_key, payer_account_id, payee_account_id, amount, kind, status, voucher_id, failure_kind, payer_balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		idempotencyKey, payerID, payeeID, amount, kind, models.TransferFailed, voucherID, string(failureKind), balanceAfter, time.Now())
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to record settlement failure", err)
	}
	return nil
}

// Balance reads the current balance for an account.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, faults.E(faults.Forbidden, "account not found")
	}
	if err != nil {
		return 0, faults.Wrap(faults.StorageUnavailable, "failed to read balance", err)
	}
	return balance, nil
}

// GetAccount loads an account with its capability set.
func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	var caps pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, display_name, balance, capabilities, version, updated_at
		FROM accounts
		WHERE account_id = $1`, accountID).
		Scan(&account.ID, &account.DisplayName, &account.Balance, &caps, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.E(faults.Forbidden, "account not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to load account", err)
	}
	account.Capabilities = models.CapabilitiesFromStrings(caps)
	return &account, nil
}

// History lists recent transfer records touching the account, newest first.
func (s *LedgerService) History(ctx context.Context, accountID string, limit int) ([]models.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, payer_account_id, payee_account_id, amount, kind, status, voucher_id, failure_kind, payer_balance_after, created_at
		FROM transfer_records
		WHERE payer_account_id = $1 OR payee_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to fetch history", err)
	}
	defer rows.Close()

	records := []models.TransferRecord{}
	for rows.Next() {
		var rec models.TransferRecord
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &rec.PayerAccountID, &rec.PayeeAccountID,
			&rec.Amount, &rec.Kind, &rec.Status, &rec.VoucherID, &rec.FailureKind,
			&rec.PayerBalanceAfter, &rec.CreatedAt); err != nil {
			return nil, faults.Wrap(faults.StorageUnavailable, "failed to scan history row", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LedgerService) transferLocked(tx *sql.Tx, fromAccountID, toAccountID, idempotencyKey string, amount int64) error {
	// Lock accounts in consistent order to prevent deadlocks
	firstLock, secondLock := fromAccountID, toAccountID
	if fromAccountID > toAccountID {
		firstLock, secondLock = toAccountID, fromAccountID
	}

	fromAccount, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return err
	}

	toAccount, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return err
	}

	// Determine which locked account is payer/payee
	if firstLock != fromAccountID {
		fromAccount, toAccount = toAccount, fromAccount
	}

	if fromAccount.Balance < amount {
		return faults.E(faults.InsufficientBalance, "insufficient balance")
	}

	if err := s.createLedgerEntry(tx, idempotencyKey, fromAccount.ID, -amount, "DEBIT", fromAccount.Balance-amount); err != nil {
		return err
	}

	if err := s.createLedgerEntry(tx, idempotencyKey, toAccount.ID, amount, "CREDIT", toAccount.Balance+amount); err != nil {
		return err
	}

	if err := s.updateAccountBalance(tx, fromAccount.ID, fromAccount.Balance-amount, fromAccount.Version); err != nil {
		return err
	}

	if err := s.updateAccountBalance(tx, toAccount.ID, toAccount.Balance+amount, toAccount.Version); err != nil {
		return err
	}

	return nil
}

func (s *LedgerService) replayCompleted(tx *sql.Tx, idempotencyKey, payerAccountID string) (*TransferResult, bool, error) {
	var payerBalance int64
	err := tx.QueryRow(`
		SELECT payer_balance_after FROM transfer_records
		WHERE idempotency_key = $1 AND status = $2 AND payer_account_id = $3`,
		idempotencyKey, models.TransferCompleted, payerAccountID).Scan(&payerBalance)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.Wrap(faults.StorageUnavailable, "idempotency lookup failed", err)
	}
	return &TransferResult{IdempotencyKey: idempotencyKey, PayerBalance: payerBalance, Replayed: true}, true, nil
}

func (s *LedgerService) insertRecord(tx *sql.Tx, idempotencyKey, payerID, payeeID string, amount int64, kind, status, voucherID, failureKind string) (int64, error) {
	var payerBalance int64
	err := tx.QueryRow(`
		SELECT balance FROM accounts WHERE account_id = $1`, payerID).Scan(&payerBalance)
	if err != nil {
		return 0, faults.Wrap(faults.StorageUnavailable, "failed to read payer balance", err)
	}

	_, err = tx.Exec(`
		INSERT INTO transfer_records
		(idempotency_key, payer_account_id, payee_account_id, amount, kind, status, voucher_id, failure_kind, payer_balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		idempotencyKey, payerID, payeeID, amount, kind, status, voucherID, failureKind, payerBalance, time.Now())
	if err != nil {
		return 0, faults.Wrap(faults.StorageUnavailable, "failed to insert transfer record", err)
	}
	return payerBalance, nil
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT account_id, balance, version, updated_at
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.E(faults.Forbidden, "account not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to lock account", err)
	}
	return &account, nil
}

func (s *LedgerService) createLedgerEntry(tx *sql.Tx, idempotencyKey, accountID string, amount int64, entryType string, balance int64) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (idempotency_key, account_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		idempotencyKey, accountID, amount, entryType, balance, time.Now())
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to insert ledger entry", err)
	}
	return nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)

	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to read update result", err)
	}

	if rowsAffected == 0 {
		return faults.Wrap(faults.StorageUnavailable, "balance update conflict",
			fmt.Errorf("optimistic lock failed for account %s", accountID))
	}

	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
