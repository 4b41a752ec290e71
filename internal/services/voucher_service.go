package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/skip2/go-qrcode"
	"github.com/swiftpay/backend/internal/config"
	"github.com/swiftpay/backend/internal/faults"
	"github.com/swiftpay/backend/internal/models"
)

// VoucherService creates and transitions payment vouchers. The single
// conditional UPDATE in Capture is the serialization point that makes
// double-spending a voucher impossible.
type VoucherService struct {
	db  *sql.DB
	cfg *config.VoucherConfig
}

// IssuedVoucher bundles a fresh voucher with its scannable rendering.
type IssuedVoucher struct {
	Voucher *models.Voucher        `json:"voucher"`
	Payload *models.VoucherPayload `json:"payload"`
	QRImage string                 `json:"qrImage"` // base64 PNG
}

func NewVoucherService(db *sql.DB, cfg *config.VoucherConfig) *VoucherService {
	if cfg == nil {
		cfg = config.LoadVoucherConfig()
	}
	return &VoucherService{db: db, cfg: cfg}
}

// Issue creates an active voucher with a fixed TTL expiry and renders the
// wire payload as a QR image.
func (s *VoucherService) Issue(ctx context.Context, issuerAccountID string, amount int64, description string) (*IssuedVoucher, error) {
	if amount <= 0 {
		return nil, faults.E(faults.InvalidAmount, "amount must be positive")
	}

	if description == "" {
		description = s.cfg.DescriptionFallback
	}

	var issuerName string
	var caps pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name, capabilities FROM accounts WHERE account_id = $1`, issuerAccountID).
		Scan(&issuerName, &caps)
	if err == sql.ErrNoRows {
		return nil, faults.E(faults.Forbidden, "account not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to load issuer", err)
	}

	issuer := models.Account{Capabilities: models.CapabilitiesFromStrings(caps)}
	if !issuer.Can(models.CapabilityPayee) {
		return nil, faults.E(faults.Forbidden, "account cannot issue vouchers")
	}

	now := time.Now()
	voucher := &models.Voucher{
		VoucherID:   uuid.NewString(),
		IssuerID:    issuerAccountID,
		Amount:      amount,
		Description: description,
		Status:      models.VoucherActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vouchers (voucher_id, issuer_account_id, amount, description, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		voucher.VoucherID, voucher.IssuerID, voucher.Amount, voucher.Description,
		voucher.Status, voucher.CreatedAt, voucher.ExpiresAt)
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to store voucher", err)
	}

	payload := &models.VoucherPayload{
		VoucherID:         voucher.VoucherID,
		IssuerAccountID:   voucher.IssuerID,
		IssuerDisplayName: issuerName,
		Amount:            voucher.Amount,
		Description:       voucher.Description,
		ExpiresAt:         voucher.ExpiresAt,
	}

	qrImage, err := s.renderQR(payload)
	if err != nil {
		return nil, err
	}

	log.Printf("[VOUCHER] Issued %s for issuer %s, amount %d", voucher.VoucherID, issuerAccountID, amount)
	return &IssuedVoucher{Voucher: voucher, Payload: payload, QRImage: qrImage}, nil
}

// Validate checks that a voucher is redeemable. It does not consume the
// voucher; the only write it may perform is the lazy active -> expired
// transition.
func (s *VoucherService) Validate(ctx context.Context, voucherID string) (*models.Voucher, error) {
	voucher, err := s.fetch(ctx, voucherID)
	if err != nil {
		return nil, err
	}

	switch voucher.Status {
	case models.VoucherRedeemed:
		return nil, faults.E(faults.VoucherAlreadyRedeemed, "voucher has already been redeemed")
	case models.VoucherRevoked:
		return nil, faults.E(faults.VoucherRevoked, "voucher has been revoked")
	case models.VoucherExpired:
		return nil, faults.E(faults.VoucherExpired, "voucher has expired")
	}

	if !voucher.ExpiresAt.After(time.Now()) {
		// Lazy expiry: flip the state on first observation past the deadline.
		_, err := s.db.ExecContext(ctx, `
			UPDATE vouchers SET status = $1 WHERE voucher_id = $2 AND status = $3`,
			models.VoucherExpired, voucherID, models.VoucherActive)
		if err != nil {
			log.Printf("[VOUCHER] Failed to mark %s expired: %v", voucherID, err)
		}
		return nil, faults.E(faults.VoucherExpired, "voucher has expired")
	}

	return voucher, nil
}

// Capture atomically transitions active -> redeemed. Exactly one concurrent
// caller can win; everyone else gets the terminal-state error.
func (s *VoucherService) Capture(ctx context.Context, voucherID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE vouchers
		SET status = $1
		WHERE voucher_id = $2 AND status = $3 AND expires_at > $4`,
		models.VoucherRedeemed, voucherID, models.VoucherActive, time.Now())
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to capture voucher", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to read capture result", err)
	}

	if rowsAffected == 1 {
		return nil
	}

	// Lost the conditional write: re-read to report the precise reason.
	voucher, err := s.fetch(ctx, voucherID)
	if err != nil {
		return err
	}
	switch voucher.Status {
	case models.VoucherRevoked:
		return faults.E(faults.VoucherRevoked, "voucher has been revoked")
	case models.VoucherExpired:
		return faults.E(faults.VoucherExpired, "voucher has expired")
	case models.VoucherActive:
		return faults.E(faults.VoucherExpired, "voucher has expired")
	default:
		return faults.E(faults.VoucherAlreadyRedeemed, "voucher has already been redeemed")
	}
}

// Reactivate reverts redeemed -> active. Only the settlement coordinator
// calls this, when the fund transfer fails after voucher capture.
func (s *VoucherService) Reactivate(ctx context.Context, voucherID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE vouchers SET status = $1 WHERE voucher_id = $2 AND status = $3`,
		models.VoucherActive, voucherID, models.VoucherRedeemed)
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to reactivate voucher", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to read reactivation result", err)
	}
	if rowsAffected == 0 {
		return faults.E(faults.VoucherNotFound, "voucher not in redeemed state")
	}
	log.Printf("[VOUCHER] Reactivated %s after failed settlement", voucherID)
	return nil
}

// Revoke cancels an active voucher. Only the issuer may revoke.
func (s *VoucherService) Revoke(ctx context.Context, voucherID, issuerAccountID string) error {
	voucher, err := s.fetch(ctx, voucherID)
	if err != nil {
		return err
	}

	if voucher.IssuerID != issuerAccountID {
		return faults.E(faults.Forbidden, "only the issuer may revoke a voucher")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE vouchers SET status = $1 WHERE voucher_id = $2 AND status = $3`,
		models.VoucherRevoked, voucherID, models.VoucherActive)
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to revoke voucher", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.StorageUnavailable, "failed to read revoke result", err)
	}
	if rowsAffected == 0 {
		switch voucher.Status {
		case models.VoucherRedeemed:
			return faults.E(faults.VoucherAlreadyRedeemed, "voucher has already been redeemed")
		case models.VoucherRevoked:
			return faults.E(faults.VoucherRevoked, "voucher has been revoked")
		default:
			return faults.E(faults.VoucherExpired, "voucher has expired")
		}
	}
	return nil
}

// ListForIssuer returns the issuer's recent vouchers, optionally filtered to
// ones still redeemable.
func (s *VoucherService) ListForIssuer(ctx context.Context, issuerAccountID string, activeOnly bool) ([]models.Voucher, error) {
	query := `
		SELECT voucher_id, issuer_account_id, amount, description, status, created_at, expires_at
		FROM vouchers
		WHERE issuer_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	args := []any{issuerAccountID, s.cfg.MaxPerIssuer}
	if activeOnly {
		query = `
		SELECT voucher_id, issuer_account_id, amount, description, status, created_at, expires_at
		FROM vouchers
		WHERE issuer_account_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT $4`
		args = []any{issuerAccountID, models.VoucherActive, time.Now(), s.cfg.MaxPerIssuer}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to list vouchers", err)
	}
	defer rows.Close()

	vouchers := []models.Voucher{}
	for rows.Next() {
		var v models.Voucher
		if err := rows.Scan(&v.VoucherID, &v.IssuerID, &v.Amount, &v.Description,
			&v.Status, &v.CreatedAt, &v.ExpiresAt); err != nil {
			return nil, faults.Wrap(faults.StorageUnavailable, "failed to scan voucher row", err)
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}

func (s *VoucherService) fetch(ctx context.Context, voucherID string) (*models.Voucher, error) {
	var voucher models.Voucher
	err := s.db.QueryRowContext(ctx, `
		SELECT voucher_id, issuer_account_id, amount, description, status, created_at, expires_at
		FROM vouchers
		WHERE voucher_id = $1`, voucherID).
		Scan(&voucher.VoucherID, &voucher.IssuerID, &voucher.Amount, &voucher.Description,
			&voucher.Status, &voucher.CreatedAt, &voucher.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, faults.E(faults.VoucherNotFound, "voucher not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "failed to fetch voucher", err)
	}
	return &voucher, nil
}

func (s *VoucherService) renderQR(payload *models.VoucherPayload) (string, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", faults.Wrap(faults.StorageUnavailable, "failed to encode voucher payload", err)
	}

	qr, err := qrcode.New(string(jsonData), qrcode.Medium)
	if err != nil {
		return "", faults.Wrap(faults.StorageUnavailable, "failed to build QR code", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.cfg.QRImageSize)); err != nil {
		return "", faults.Wrap(faults.StorageUnavailable, "failed to render QR image", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
