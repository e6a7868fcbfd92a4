package enums

import "fmt"

// DeliveryMode captures how the item reaches the buyer.
type DeliveryMode string

const (
	DeliveryModeMeetup   DeliveryMode = "meetup"
	DeliveryModeShipping DeliveryMode = "shipping"
)

var validDeliveryModes = []DeliveryMode{
	DeliveryModeMeetup,
	DeliveryModeShipping,
}

// String implements fmt.Stringer.
func (m DeliveryMode) String() string {
	return string(m)
}

// IsValid reports whether the value is a known DeliveryMode.
func (m DeliveryMode) IsValid() bool {
	for _, candidate := range validDeliveryModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseDeliveryMode converts raw input into a DeliveryMode.
func ParseDeliveryMode(value string) (DeliveryMode, error) {
	for _, candidate := range validDeliveryModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery mode %q", value)
}
