package admin

import (
	"context"
	"net/http"

	ordercontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/orders"
	"github.com/angelmondragon/tradehold-backend/api/middleware"
	"github.com/angelmondragon/tradehold-backend/api/responses"
	"github.com/angelmondragon/tradehold-backend/api/validators"
	internalorders "github.com/angelmondragon/tradehold-backend/internal/orders"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

type manualPayoutRecorder interface {
	RecordManualPayout(ctx context.Context, input internalorders.ManualPayoutInput) (*internalorders.TransitionResult, error)
}

type manualPayoutRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

type manualPayoutResponse struct {
	Order    ordercontrollers.OrderView `json:"order"`
	Recorded bool                       `json:"recorded"`
}

// ManualPayout marks a completed_pending_payout order as paid out by hand.
// No money moves through the processor.
func ManualPayout(svc manualPayoutRecorder, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		orderID, err := validators.PathUUID(r, "orderId", "order id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload manualPayoutRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var note *string
		if trimmed := validators.SanitizeString(payload.Note, 2000); trimmed != "" {
			note = &trimmed
		}

		result, err := svc.RecordManualPayout(r.Context(), internalorders.ManualPayoutInput{
			OrderID: orderID,
			Actor:   actor,
			Note:    note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, manualPayoutResponse{
			Order:    ordercontrollers.NewOrderView(result.Order),
			Recorded: result.Transitioned,
		})
	}
}
