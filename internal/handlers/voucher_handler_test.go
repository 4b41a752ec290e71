package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/swiftpay/backend/internal/config"
	"github.com/swiftpay/backend/internal/middleware"
	"github.com/swiftpay/backend/internal/models"
	"github.com/swiftpay/backend/internal/services"
)

const issuerID = "2222222222"

func newTestHandler(t *testing.T) (*VoucherHandler, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := &config.VoucherConfig{
		TTL:                 5 * time.Minute,
		MaxPerIssuer:        50,
		QRImageSize:         128,
		DescriptionFallback: "Payment",
	}
	handler := NewVoucherHandler(services.NewVoucherService(db, cfg))
	return handler, mock, func() { db.Close() }
}

func authed(r *http.Request) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.AccountIDKey, issuerID)
	return r.WithContext(ctx)
}

func TestVoucherHandler_IssueVoucher(t *testing.T) {
	t.Run("issues voucher and returns scannable payload", func(t *testing.T) {
		handler, mock, done := newTestHandler(t)
		defer done()

		mock.ExpectQuery("SELECT display_name, capabilities FROM accounts").
			WithArgs(issuerID).
			WillReturnRows(sqlmock.NewRows([]string{"display_name", "capabilities"}).
				AddRow("Kofi's Store", "{payer,payee}"))
		mock.ExpectExec("INSERT INTO vouchers").
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(map[string]any{"amount": 2500, "description": "Groceries"})
		r := authed(httptest.NewRequest("POST", "/vouchers", bytes.NewBuffer(body)))
		w := httptest.NewRecorder()

		handler.IssueVoucher(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, true, response["success"])
		assert.NotEmpty(t, response["qrImage"])

		payload := response["payload"].(map[string]any)
		assert.Equal(t, issuerID, payload["issuerAccountId"])
		assert.Equal(t, float64(2500), payload["amount"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing auth context", func(t *testing.T) {
		handler, _, done := newTestHandler(t)
		defer done()

		body, _ := json.Marshal(map[string]any{"amount": 2500})
		r := httptest.NewRequest("POST", "/vouchers", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		handler.IssueVoucher(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("zero amount fails validation", func(t *testing.T) {
		handler, _, done := newTestHandler(t)
		defer done()

		body, _ := json.Marshal(map[string]any{"amount": 0})
		r := authed(httptest.NewRequest("POST", "/vouchers", bytes.NewBuffer(body)))
		w := httptest.NewRecorder()

		handler.IssueVoucher(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		handler, _, done := newTestHandler(t)
		defer done()

		body := []byte(`{"amount": 2500, "issuerAccountId": "9999999999"}`)
		r := authed(httptest.NewRequest("POST", "/vouchers", bytes.NewBuffer(body)))
		w := httptest.NewRecorder()

		handler.IssueVoucher(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestVoucherHandler_ListVouchers(t *testing.T) {
	handler, mock, done := newTestHandler(t)
	defer done()

	mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
		WithArgs(issuerID, 50).
		WillReturnRows(sqlmock.NewRows(
			[]string{"voucher_id", "issuer_account_id", "amount", "description", "status", "created_at", "expires_at"}).
			AddRow("a4c9d2a0-1111-4222-8333-444455556666", issuerID, 2500, "Groceries",
				models.VoucherActive, time.Now(), time.Now().Add(4*time.Minute)))

	r := authed(httptest.NewRequest("GET", "/vouchers", nil))
	w := httptest.NewRecorder()

	handler.ListVouchers(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["count"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoucherHandler_RevokeVoucher(t *testing.T) {
	voucherID := "a4c9d2a0-1111-4222-8333-444455556666"

	t.Run("issuer revokes through the router", func(t *testing.T) {
		handler, mock, done := newTestHandler(t)
		defer done()

		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(voucherID).
			WillReturnRows(sqlmock.NewRows(
				[]string{"voucher_id", "issuer_account_id", "amount", "description", "status", "created_at", "expires_at"}).
				AddRow(voucherID, issuerID, 2500, "Groceries", models.VoucherActive,
					time.Now(), time.Now().Add(4*time.Minute)))
		mock.ExpectExec("UPDATE vouchers").
			WithArgs(models.VoucherRevoked, voucherID, models.VoucherActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		router := chi.NewRouter()
		router.Delete("/vouchers/{voucherId}", func(w http.ResponseWriter, r *http.Request) {
			handler.RevokeVoucher(w, authed(r))
		})

		r := httptest.NewRequest("DELETE", "/vouchers/"+voucherID, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("revoking someone else's voucher is forbidden", func(t *testing.T) {
		handler, mock, done := newTestHandler(t)
		defer done()

		mock.ExpectQuery("SELECT voucher_id, issuer_account_id, amount").
			WithArgs(voucherID).
			WillReturnRows(sqlmock.NewRows(
				[]string{"voucher_id", "issuer_account_id", "amount", "description", "status", "created_at", "expires_at"}).
				AddRow(voucherID, "9999999999", 2500, "Groceries", models.VoucherActive,
					time.Now(), time.Now().Add(4*time.Minute)))

		router := chi.NewRouter()
		router.Delete("/vouchers/{voucherId}", func(w http.ResponseWriter, r *http.Request) {
			handler.RevokeVoucher(w, authed(r))
		})

		r := httptest.NewRequest("DELETE", "/vouchers/"+voucherID, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
