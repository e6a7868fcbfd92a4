package enums

// HoldStatus is the processor-reported state of a custody hold.
type HoldStatus string

const (
	HoldStatusPending   HoldStatus = "pending"
	HoldStatusSucceeded HoldStatus = "succeeded"
	HoldStatusFailed    HoldStatus = "failed"
)

func (s HoldStatus) String() string {
	return string(s)
}
