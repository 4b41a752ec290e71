package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	AccountID      string    `json:"account_id"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"`
	Details        any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogSettlement(idempotencyKey, payerAccount, payeeAccount string, amount int64, status string) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "SETTLEMENT",
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         status,
		Details: map[string]string{
			"payer_account": payerAccount,
			"payee_account": payeeAccount,
		},
	}
	a.log(event)
}

func (a *Logger) LogCompensation(voucherID, payerAccount string, amount int64, reason string) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "VOUCHER_REACTIVATED",
		IdempotencyKey: voucherID,
		AccountID:      payerAccount,
		Amount:         amount,
		Status:         "COMPENSATED",
		Details:        map[string]string{"reason": reason},
	}
	a.log(event)
}

func (a *Logger) LogError(idempotencyKey, accountID string, err error) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "ERROR",
		IdempotencyKey: idempotencyKey,
		AccountID:      accountID,
		Status:         "FAILED",
		Details:        map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(idempotencyKey, accountID, operation, details string) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      operation,
		IdempotencyKey: idempotencyKey,
		AccountID:      accountID,
		Status:         "SUCCESS",
		Details:        map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
