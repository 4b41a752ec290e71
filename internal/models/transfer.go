package models

import (
	"database/sql"
	"time"
)

// TransferRecord kinds.
const (
	TransferPayment    = "payment"
	TransferTopup      = "topup"
	TransferWithdrawal = "withdrawal"
	TransferRefund     = "refund"
)

// TransferRecord statuses.
const (
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// TransferRecord is an append-only settlement outcome. Rows are never
// mutated after insert; the unique idempotency key is what makes retried
// transfers at-most-once.
type TransferRecord struct {
	ID                int            `json:"id" db:"id"`
	IdempotencyKey    string         `json:"idempotencyKey" db:"idempotency_key"`
	PayerAccountID    string         `json:"payerAccountId" db:"payer_account_id"`
	PayeeAccountID    string         `json:"payeeAccountId" db:"payee_account_id"`
	Amount            int64          `json:"amount" db:"amount"`
	Kind              string         `json:"kind" db:"kind"`
	Status            string         `json:"status" db:"status"`
	VoucherID         sql.NullString `json:"voucherId,omitempty" db:"voucher_id"`
	FailureKind       sql.NullString `json:"failureKind,omitempty" db:"failure_kind"`
	PayerBalanceAfter sql.NullInt64  `json:"payerBalanceAfter" db:"payer_balance_after"`
	CreatedAt         time.Time      `json:"createdAt" db:"created_at"`
}

// LedgerEntry is one side of a double-entry posting.
type LedgerEntry struct {
	ID             int       `json:"id" db:"id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Amount         int64     `json:"amount" db:"amount"` // signed, minor units
	EntryType      string    `json:"entry_type" db:"entry_type"` // DEBIT or CREDIT
	Balance        int64     `json:"balance" db:"balance"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
