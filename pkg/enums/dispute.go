package enums

import "fmt"

type DisputeStatus string

const (
	DisputeStatusOpen            DisputeStatus = "open"
	DisputeStatusResolvedRefund  DisputeStatus = "resolved_refund"
	DisputeStatusResolvedRelease DisputeStatus = "resolved_release"
)

var validDisputeStatuses = []DisputeStatus{
	DisputeStatusOpen,
	DisputeStatusResolvedRefund,
	DisputeStatusResolvedRelease,
}

func (s DisputeStatus) String() string {
	return string(s)
}

func (s DisputeStatus) IsValid() bool {
	for _, candidate := range validDisputeStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsResolved reports whether the dispute reached one of its terminal outcomes.
func (s DisputeStatus) IsResolved() bool {
	return s == DisputeStatusResolvedRefund || s == DisputeStatusResolvedRelease
}

// DisputeResolution is the arbitrator's verdict.
type DisputeResolution string

const (
	DisputeResolutionRefund  DisputeResolution = "refund"
	DisputeResolutionRelease DisputeResolution = "release"
)

func (r DisputeResolution) String() string {
	return string(r)
}

func (r DisputeResolution) IsValid() bool {
	return r == DisputeResolutionRefund || r == DisputeResolutionRelease
}

// ResolvedStatus maps the verdict onto the dispute status it produces.
func (r DisputeResolution) ResolvedStatus() DisputeStatus {
	if r == DisputeResolutionRefund {
		return DisputeStatusResolvedRefund
	}
	return DisputeStatusResolvedRelease
}

// ParseDisputeResolution converts raw input into a DisputeResolution.
func ParseDisputeResolution(value string) (DisputeResolution, error) {
	switch DisputeResolution(value) {
	case DisputeResolutionRefund, DisputeResolutionRelease:
		return DisputeResolution(value), nil
	}
	return "", fmt.Errorf("invalid dispute resolution %q", value)
}
