package models

import (
	"time"
)

// Capability tags what an account is allowed to do with money. Stored as a
// Postgres text[] on the accounts row.
type Capability string

const (
	CapabilityPayer Capability = "payer"
	CapabilityPayee Capability = "payee"
	CapabilityAdmin Capability = "admin"
)

type Account struct {
	ID           string       `json:"account_id" db:"account_id"`
	DisplayName  string       `json:"display_name" db:"display_name"`
	Balance      int64        `json:"balance" db:"balance"` // minor units
	Capabilities []Capability `json:"capabilities" db:"capabilities"`
	Version      int          `json:"version" db:"version"` // for optimistic locking
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// Can reports whether the account carries the given capability.
func (a *Account) Can(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c || have == CapabilityAdmin {
			return true
		}
	}
	return false
}

func CapabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func CapabilitiesFromStrings(raw []string) []Capability {
	out := make([]Capability, len(raw))
	for i, s := range raw {
		out[i] = Capability(s)
	}
	return out
}
