package enums

import "fmt"

// PaymentMode selects between processor custody and an out-of-band cash handoff.
type PaymentMode string

const (
	PaymentModeOnline PaymentMode = "online"
	PaymentModeCash   PaymentMode = "cash"
)

var validPaymentModes = []PaymentMode{
	PaymentModeOnline,
	PaymentModeCash,
}

// String implements fmt.Stringer.
func (m PaymentMode) String() string {
	return string(m)
}

// IsValid reports whether the value is a known PaymentMode.
func (m PaymentMode) IsValid() bool {
	for _, candidate := range validPaymentModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParsePaymentMode converts raw input into a PaymentMode.
func ParsePaymentMode(value string) (PaymentMode, error) {
	for _, candidate := range validPaymentModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment mode %q", value)
}
