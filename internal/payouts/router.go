package payouts

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

type profileReader interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.PayoutProfile, error)
}

// Decision tells settlement where a seller's funds can go.
type Decision struct {
	// Verified is true only when the seller has a verified external account.
	Verified   bool
	AccountRef string
	// HasManualDetails marks sellers an operator can pay by bank transfer.
	HasManualDetails bool
}

// Router decides between processor disbursement and the pending-payout fallback.
// A missing or unverified profile is not an error.
type Router struct {
	profiles profileReader
}

func NewRouter(profiles profileReader) (*Router, error) {
	if profiles == nil {
		return nil, fmt.Errorf("payout profile reader required")
	}
	return &Router{profiles: profiles}, nil
}

func (r *Router) Route(ctx context.Context, sellerID uuid.UUID) (Decision, error) {
	profile, err := r.profiles.FindByUserID(ctx, sellerID)
	if err != nil {
		return Decision{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout profile")
	}
	if profile == nil {
		return Decision{}, nil
	}
	decision := Decision{HasManualDetails: profile.ManualBankDetails != nil}
	if profile.Verified && profile.ExternalAccountID != nil && strings.TrimSpace(*profile.ExternalAccountID) != "" {
		decision.Verified = true
		decision.AccountRef = *profile.ExternalAccountID
	}
	return decision, nil
}
