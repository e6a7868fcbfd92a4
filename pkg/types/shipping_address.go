package types

import (
	"fmt"
	"strings"
)

// ShippingAddress is where a shipped order is delivered.
type ShippingAddress struct {
	Name       string  `json:"name" validate:"required"`
	Line1      string  `json:"line1" validate:"required"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city" validate:"required"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code" validate:"required"`
	Country    string  `json:"country" validate:"required,len=2"`
}

// Validate checks the fields every carrier label requires.
func (a ShippingAddress) Validate() error {
	if strings.TrimSpace(a.Line1) == "" {
		return fmt.Errorf("shipping address: missing line1")
	}
	if strings.TrimSpace(a.City) == "" {
		return fmt.Errorf("shipping address: missing city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		return fmt.Errorf("shipping address: missing postal_code")
	}
	return nil
}

// ManualBankDetails is the fallback payout destination sellers may register
// before their processor account is verified.
type ManualBankDetails struct {
	AccountHolder string `json:"account_holder"`
	BankName      string `json:"bank_name"`
	AccountLast4  string `json:"account_last4"`
}
