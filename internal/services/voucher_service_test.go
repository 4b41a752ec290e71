package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/swiftpay/backend/internal/config"
	"github.com/swiftpay/backend/internal/faults"
	"github.com/swiftpay/backend/internal/models"
)

const testVoucherID = "a4c9d2a0-1111-4222-8333-444455556666"

func testVoucherConfig() *config.VoucherConfig {
	return &config.VoucherConfig{
		TTL:                 5 * time.Minute,
		MaxPerIssuer:        50,
		QRImageSize:         128,
		DescriptionFallback: "Payment",
	}
}

func voucherRows(voucherID, issuerID string, amount int64, status string, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(
		[]string{"voucher_id", "issuer_account_id", "amount", "description", "status", "created_at", "expires_at"}).
		AddRow(voucherID, issuerID, amount, "Groceries", status, time.Now().Add(-time.Minute), expiresAt)
}

func TestVoucherService_Issue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("issues an active voucher with TTL expiry and QR image", func(t *testing.T) {
		mock.ExpectQuery("SELECT display_name, capabilities FROM accounts").
			WithArgs(payeeID).
			WillReturnRows(sqlmock.NewRows([]string{"display_name", "capabilities"}).
				AddRow("Kofi's Store", "{payer,payee}"))
		mock.ExpectExec("INSERT INTO vouchers").
			WithArgs(sqlmock.AnyArg(), payeeID, int64(2500), "Groceries",
				models.VoucherActive, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		issued, err := service.Issue(ctx, payeeID, 2500, "Groceries")

		assert.NoError(t, err)
		assert.Equal(t, models.VoucherActive, issued.Voucher.Status)
		assert.NotEmpty(t, issued.Voucher.VoucherID)
		assert.WithinDuration(t, issued.Voucher.CreatedAt.Add(5*time.Minute), issued.Voucher.ExpiresAt, time.Second)

		assert.Equal(t, issued.Voucher.VoucherID, issued.Payload.VoucherID)
		assert.Equal(t, payeeID, issued.Payload.IssuerAccountID)
		assert.Equal(t, "Kofi's Store", issued.Payload.IssuerDisplayName)
		assert.Equal(t, int64(2500), issued.Payload.Amount)

		img, decodeErr := base64.StdEncoding.DecodeString(issued.QRImage)
		assert.NoError(t, decodeErr)
		assert.NotEmpty(t, img)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty description falls back to default", func(t *testing.T) {
		mock.ExpectQuery("SELECT display_name, capabilities FROM accounts").
			WithArgs(payeeID).
			WillReturnRows(sqlmock.NewRows([]string{"display_name", "capabilities"}).
				AddRow("Kofi's Store", "{payee}"))
		mock.ExpectExec("INSERT INTO vouchers").
			WithArgs(sqlmock.AnyArg(), payeeID, int64(100), "Payment",
				models.VoucherActive, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		issued, err := service.Issue(ctx, payeeID, 100, "")

		assert.NoError(t, err)
		assert.Equal(t, "Payment", issued.Voucher.Description)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := service.Issue(ctx, payeeID, 0, "Groceries")
		assert.True(t, faults.Is(err, faults.InvalidAmount))
	})

	t.Run("unknown issuer account", func(t *testing.T) {
		mock.ExpectQuery("SELECT display_name, capabilities FROM accounts").
			WithArgs("0000000000").
			WillReturnError(sql.ErrNoRows)

		_, err := service.Issue(ctx, "0000000000", 100, "")
		assert.True(t, faults.Is(err, faults.Forbidden))
	})

	t.Run("issuer without payee capability", func(t *testing.T) {
		mock.ExpectQuery("SELECT display_name, capabilities FROM accounts").
			WithArgs(payerID).
			WillReturnRows(sqlmock.NewRows([]string{"display_name", "capabilities"}).
				AddRow("Ama Mensah", "{payer}"))

		_, err := service.Issue(ctx, payerID, 100, "")
		assert.True(t, faults.Is(err, faults.Forbidden))
	})
}

func TestVoucherService_Validate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("active voucher inside TTL is redeemable", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(3*time.Minute)))

		voucher, err := service.Validate(ctx, testVoucherID)

		assert.NoError(t, err)
		assert.Equal(t, int64(2500), voucher.Amount)
		assert.Equal(t, models.VoucherActive, voucher.Status)
	})

	t.Run("unknown voucher", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnError(sql.ErrNoRows)

		_, err := service.Validate(ctx, testVoucherID)
		assert.True(t, faults.Is(err, faults.VoucherNotFound))
	})

	t.Run("redeemed voucher cannot be validated again", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherRedeemed, time.Now().Add(3*time.Minute)))

		_, err := service.Validate(ctx, testVoucherID)
		assert.True(t, faults.Is(err, faults.VoucherAlreadyRedeemed))
	})

	t.Run("revoked voucher", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherRevoked, time.Now().Add(3*time.Minute)))

		_, err := service.Validate(ctx, testVoucherID)
		assert.True(t, faults.Is(err, faults.VoucherRevoked))
	})

	t.Run("active voucher past deadline is lazily expired", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(-time.Second)))
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherExpired, testVoucherID, models.VoucherActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.Validate(ctx, testVoucherID)

		assert.True(t, faults.Is(err, faults.VoucherExpired))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestVoucherService_Capture(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("winning capture flips active to redeemed", func(t *testing.T) {
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRedeemed, testVoucherID, models.VoucherActive, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Capture(ctx, testVoucherID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("losing capture reports already redeemed", func(t *testing.T) {
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRedeemed, testVoucherID, models.VoucherActive, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherRedeemed, time.Now().Add(3*time.Minute)))

		err := service.Capture(ctx, testVoucherID)

		assert.True(t, faults.Is(err, faults.VoucherAlreadyRedeemed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("capture racing expiry reports expired", func(t *testing.T) {
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRedeemed, testVoucherID, models.VoucherActive, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(-time.Second)))

		err := service.Capture(ctx, testVoucherID)
		assert.True(t, faults.Is(err, faults.VoucherExpired))
	})
}

func TestVoucherService_Reactivate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("reverts redeemed to active", func(t *testing.T) {
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherActive, testVoucherID, models.VoucherRedeemed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Reactivate(ctx, testVoucherID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails when voucher is not redeemed", func(t *testing.T) {
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherActive, testVoucherID, models.VoucherRedeemed).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.Reactivate(ctx, testVoucherID)
		assert.True(t, faults.Is(err, faults.VoucherNotFound))
	})
}

func TestVoucherService_Revoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("issuer revokes an active voucher", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(3*time.Minute)))
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRevoked, testVoucherID, models.VoucherActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Revoke(ctx, testVoucherID, payeeID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-issuer cannot revoke", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(3*time.Minute)))

		err := service.Revoke(ctx, testVoucherID, payerID)
		assert.True(t, faults.Is(err, faults.Forbidden))
	})

	t.Run("already redeemed voucher cannot be revoked", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(testVoucherID).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherRedeemed, time.Now().Add(3*time.Minute)))
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRevoked, testVoucherID, models.VoucherActive).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.Revoke(ctx, testVoucherID, payeeID)
		assert.True(t, faults.Is(err, faults.VoucherAlreadyRedeemed))
	})
}

func TestVoucherService_ListForIssuer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewVoucherService(db, testVoucherConfig())
	ctx := context.Background()

	t.Run("all vouchers", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(payeeID, 50).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherRedeemed, time.Now()))

		vouchers, err := service.ListForIssuer(ctx, payeeID, false)

		assert.NoError(t, err)
		assert.Len(t, vouchers, 1)
	})

	t.Run("active only adds status and expiry filters", func(t *testing.T) {
		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(payeeID, models.VoucherActive, sqlmock.AnyArg(), 50).
			WillReturnRows(voucherRows(testVoucherID, payeeID, 2500, models.VoucherActive, time.Now().Add(2*time.Minute)))

		vouchers, err := service.ListForIssuer(ctx, payeeID, true)

		assert.NoError(t, err)
		assert.Len(t, vouchers, 1)
		assert.Equal(t, models.VoucherActive, vouchers[0].Status)
	})
}
