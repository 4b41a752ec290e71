package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/swiftpay/backend/internal/audit"
	"github.com/swiftpay/backend/internal/faults"
	"github.com/swiftpay/backend/internal/middleware"
	"github.com/swiftpay/backend/internal/models"
)

// SettlementService orchestrates redemptions end-to-end: voucher validation,
// velocity check, atomic voucher capture, then the ledger transfer. The
// capture happens BEFORE funds move, so two racing redemptions can never
// both reach the ledger; if the transfer fails after capture, the voucher is
// compensated back to active.
type SettlementService struct {
	ledger    *LedgerService
	vouchers  *VoucherService
	velocity  *VelocityService
	audit     *audit.Logger
	validator *ValidationHelper
}

// ValidationResult is the payer-facing preview of a scanned voucher.
type ValidationResult struct {
	Voucher           *models.Voucher `json:"voucher"`
	PayerBalance      int64           `json:"payerBalance"`
	InsufficientFunds bool            `json:"insufficientFunds"`
}

func NewSettlementService(ledger *LedgerService, vouchers *VoucherService, velocity *VelocityService) *SettlementService {
	return &SettlementService{
		ledger:    ledger,
		vouchers:  vouchers,
		velocity:  velocity,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// Redeem runs the settlement pipeline for one voucher on behalf of the
// payer. Failures before the voucher capture leave no side effects beyond
// the recorded velocity attempt.
func (s *SettlementService) Redeem(ctx context.Context, voucherID, payerAccountID string) (*TransferResult, error) {
	voucher, err := s.vouchers.Validate(ctx, voucherID)
	if err != nil {
		return nil, err
	}

	payer, err := s.ledger.GetAccount(ctx, payerAccountID)
	if err != nil {
		return nil, err
	}
	if !payer.Can(models.CapabilityPayer) {
		return nil, faults.E(faults.Forbidden, "account cannot make payments")
	}
	if payerAccountID == voucher.IssuerID {
		return nil, faults.E(faults.Forbidden, "cannot redeem your own voucher")
	}

	decision, err := s.velocity.Check(ctx, payerAccountID)
	if err != nil {
		return nil, err
	}

	// The attempt counts toward the window whether or not it proceeds.
	if recErr := s.velocity.RecordAttempt(ctx, payerAccountID, voucher.Amount, time.Now()); recErr != nil {
		log.Printf("[SETTLEMENT] Failed to record velocity attempt for %s: %v", payerAccountID, recErr)
	}

	if decision == RequiresStepUp {
		log.Printf("[SETTLEMENT] Step-up required for payer %s", payerAccountID)
		return nil, faults.E(faults.StepUpRequired, "too many recent redemptions, verification required")
	}

	// Capture before moving funds: losing this CAS means another redemption
	// already owns the voucher, and no transfer is attempted.
	if err := s.vouchers.Capture(ctx, voucherID); err != nil {
		s.audit.LogError(voucherID, payerAccountID, err)
		return nil, err
	}

	result, err := s.ledger.Transfer(ctx, payerAccountID, voucher.IssuerID, voucher.Amount, voucherID, models.TransferPayment, voucherID)
	if err != nil {
		// Transfer failed after capture: put the voucher back so the payer
		// can retry once funded, and record the terminally-failed attempt.
		if compErr := s.vouchers.Reactivate(ctx, voucherID); compErr != nil {
			log.Printf("[SETTLEMENT] Compensation failed for voucher %s: %v", voucherID, compErr)
		}
		s.audit.LogCompensation(voucherID, payerAccountID, voucher.Amount, string(faults.KindOf(err)))
		if recErr := s.ledger.RecordFailure(ctx, voucherID, payerAccountID, voucher.IssuerID,
			voucher.Amount, models.TransferPayment, voucherID, faults.KindOf(err)); recErr != nil {
			log.Printf("[SETTLEMENT] Failed to record failure for voucher %s: %v", voucherID, recErr)
		}
		return nil, err
	}

	s.audit.LogSettlement(voucherID, payerAccountID, voucher.IssuerID, voucher.Amount, "COMPLETED")
	return result, nil
}

// Preview validates a voucher for a prospective payer and reports whether
// their balance covers it.
func (s *SettlementService) Preview(ctx context.Context, voucherID, payerAccountID string) (*ValidationResult, error) {
	voucher, err := s.vouchers.Validate(ctx, voucherID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, payerAccountID)
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		Voucher:           voucher,
		PayerBalance:      balance,
		InsufficientFunds: balance < voucher.Amount,
	}, nil
}

// Topup credits the caller's account. The reference, when supplied, doubles
// as the idempotency key so a retried top-up applies once.
func (s *SettlementService) Topup(ctx context.Context, accountID string, amount int64, reference string) (*TransferResult, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Can(models.CapabilityPayer) {
		return nil, faults.E(faults.Forbidden, "account cannot top up")
	}

	key := reference
	if key == "" {
		key = fmt.Sprintf("TOPUP-%s", uuid.NewString())
	}
	result, err := s.ledger.Credit(ctx, accountID, amount, key, models.TransferTopup)
	if err == nil && !result.Replayed {
		s.audit.LogOperation(key, accountID, "TOPUP", fmt.Sprintf("credited %d", amount))
	}
	return result, err
}

// Withdraw debits the caller's account, failing on insufficient balance.
func (s *SettlementService) Withdraw(ctx context.Context, accountID string, amount int64, reference string) (*TransferResult, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Can(models.CapabilityPayee) {
		return nil, faults.E(faults.Forbidden, "account cannot withdraw")
	}

	key := reference
	if key == "" {
		key = fmt.Sprintf("WITHDRAW-%s", uuid.NewString())
	}
	result, err := s.ledger.Debit(ctx, accountID, amount, key, models.TransferWithdrawal)
	if err == nil && !result.Replayed {
		s.audit.LogOperation(key, accountID, "WITHDRAWAL", fmt.Sprintf("debited %d", amount))
	}
	return result, err
}

// HTTP handlers

// RedeemVoucher handles POST /payments/redeem.
func (s *SettlementService) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		VoucherID string `json:"voucherId" validate:"required,uuid4"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	log.Printf("[SETTLEMENT] Redemption request: voucher=%s payer=%s", req.VoucherID, accountID)

	result, err := s.Redeem(r.Context(), req.VoucherID, accountID)
	if err != nil {
		if faults.Is(err, faults.StepUpRequired) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":         faults.MessageOf(err),
				"code":          string(faults.StepUpRequired),
				"requireStepUp": true,
			})
			return
		}
		log.Printf("[SETTLEMENT] Redemption failed: voucher=%s payer=%s: %v", req.VoucherID, accountID, err)
		SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":         true,
		"newPayerBalance": result.PayerBalance,
		"replayed":        result.Replayed,
	})
}

// ValidateVoucher handles POST /vouchers/validate.
func (s *SettlementService) ValidateVoucher(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		VoucherID string `json:"voucherId" validate:"required,uuid4"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.Preview(r.Context(), req.VoucherID, accountID)
	if err != nil {
		SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ProcessTopup handles POST /payments/topup.
func (s *SettlementService) ProcessTopup(w http.ResponseWriter, r *http.Request) {
	s.processAdjustment(w, r, s.Topup)
}

// ProcessWithdrawal handles POST /payments/withdraw.
func (s *SettlementService) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.processAdjustment(w, r, s.Withdraw)
}

func (s *SettlementService) processAdjustment(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, int64, string) (*TransferResult, error)) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		Reference string `json:"reference" validate:"omitempty,max=64"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	result, err := apply(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"newBalance": result.PayerBalance,
		"replayed":   result.Replayed,
	})
}

// GetHistory handles GET /payments/history.
func (s *SettlementService) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	records, err := s.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transfers": records,
		"count":     len(records),
	})
}

func (s *SettlementService) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
