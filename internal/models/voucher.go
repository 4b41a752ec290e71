package models

import (
	"time"
)

// Voucher lifecycle states. Terminal states are final; the single documented
// exception is the redeemed -> active compensation when a settlement's fund
// transfer fails after voucher capture.
const (
	VoucherActive   = "ACTIVE"
	VoucherRedeemed = "REDEEMED"
	VoucherExpired  = "EXPIRED"
	VoucherRevoked  = "REVOKED"
)

type Voucher struct {
	VoucherID   string    `json:"voucherId" db:"voucher_id"`
	IssuerID    string    `json:"issuerAccountId" db:"issuer_account_id"`
	Amount      int64     `json:"amount" db:"amount"` // minor units
	Description string    `json:"description" db:"description"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"`
}

// VoucherPayload is the wire encoding embedded in the scannable image.
// Round-trip decode of the rendered barcode yields these exact fields.
type VoucherPayload struct {
	VoucherID         string    `json:"voucherId"`
	IssuerAccountID   string    `json:"issuerAccountId"`
	IssuerDisplayName string    `json:"issuerDisplayName"`
	Amount            int64     `json:"amount"`
	Description       string    `json:"description"`
	ExpiresAt         time.Time `json:"expiresAt"`
}
