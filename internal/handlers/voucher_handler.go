package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/swiftpay/backend/internal/middleware"
	"github.com/swiftpay/backend/internal/services"
)

type VoucherHandler struct {
	service   *services.VoucherService
	validator *services.ValidationHelper
}

func NewVoucherHandler(service *services.VoucherService) *VoucherHandler {
	return &VoucherHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// IssueVoucher creates a voucher and returns its scannable payload.
func (h *VoucherHandler) IssueVoucher(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Description string `json:"description" validate:"omitempty,max=200"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	issued, err := h.service.Issue(r.Context(), accountID, req.Amount, req.Description)
	if err != nil {
		services.SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"voucher": issued.Voucher,
		"payload": issued.Payload,
		"qrImage": issued.QRImage,
	})
}

// ListVouchers returns the caller's issued vouchers. ?active=true filters to
// redeemable ones.
func (h *VoucherHandler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"

	vouchers, err := h.service.ListForIssuer(r.Context(), accountID, activeOnly)
	if err != nil {
		services.SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"vouchers": vouchers,
		"count":    len(vouchers),
	})
}

// RevokeVoucher cancels one of the caller's active vouchers.
func (h *VoucherHandler) RevokeVoucher(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	voucherID := chi.URLParam(r, "voucherId")
	if voucherID == "" {
		services.SendErrorResponse(w, "voucherId is required", http.StatusBadRequest, nil)
		return
	}

	if err := h.service.Revoke(r.Context(), voucherID, accountID); err != nil {
		services.SendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Voucher revoked successfully"})
}
