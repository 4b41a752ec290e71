package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := E(VoucherExpired, "voucher has expired")
	assert.Equal(t, VoucherExpired, KindOf(err))
	assert.True(t, Is(err, VoucherExpired))
	assert.False(t, Is(err, VoucherNotFound))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StorageUnavailable, "failed to lock account", cause)

	assert.True(t, Is(err, StorageUnavailable))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := E(InsufficientBalance, "insufficient balance")
	outer := fmt.Errorf("settlement aborted: %w", inner)

	assert.True(t, Is(outer, InsufficientBalance))
	assert.Equal(t, "insufficient balance", MessageOf(outer))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "voucher not found", MessageOf(E(VoucherNotFound, "voucher not found")))
	assert.Equal(t, "internal error", MessageOf(errors.New("pq: relation does not exist")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidAmount:             http.StatusBadRequest,
		VoucherNotFound:           http.StatusNotFound,
		VoucherExpired:            http.StatusGone,
		VoucherRevoked:            http.StatusGone,
		VoucherAlreadyRedeemed:    http.StatusConflict,
		ConcurrentCaptureConflict: http.StatusConflict,
		Forbidden:                 http.StatusForbidden,
		InsufficientBalance:       http.StatusBadRequest,
		StepUpRequired:            http.StatusTooManyRequests,
		StorageUnavailable:        http.StatusServiceUnavailable,
	}

	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(E(kind, "x")), string(kind))
	}

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("unclassified")))
}
