package disputes

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	ordercontrollers "github.com/angelmondragon/tradehold-backend/api/controllers/orders"
	"github.com/angelmondragon/tradehold-backend/api/middleware"
	"github.com/angelmondragon/tradehold-backend/api/responses"
	"github.com/angelmondragon/tradehold-backend/api/validators"
	internaldisputes "github.com/angelmondragon/tradehold-backend/internal/disputes"
	internalorders "github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

type Arbiter interface {
	Open(ctx context.Context, input internaldisputes.OpenInput) (*models.Dispute, error)
	Resolve(ctx context.Context, input internaldisputes.ResolveInput) (*internaldisputes.ResolveResult, error)
	Get(ctx context.Context, id uuid.UUID, actor internalorders.Actor) (*models.Dispute, error)
	ListOpen(ctx context.Context, actor internalorders.Actor, limit int) ([]models.Dispute, error)
}

type openRequest struct {
	OrderID     string `json:"order_id" validate:"required,uuid"`
	Reason      string `json:"reason" validate:"required,max=255"`
	Description string `json:"description" validate:"max=4000"`
}

type resolveRequest struct {
	Action    string  `json:"action" validate:"required,oneof=refund release"`
	AdminNote *string `json:"admin_note,omitempty" validate:"omitempty,max=2000"`
}

type DisputeView struct {
	ID                uuid.UUID           `json:"id"`
	OrderID           uuid.UUID           `json:"order_id"`
	Status            enums.DisputeStatus `json:"status"`
	Reason            string              `json:"reason"`
	Description       string              `json:"description"`
	CreatedBy         uuid.UUID           `json:"created_by"`
	OrderStatusAtOpen enums.OrderStatus   `json:"order_status_at_open"`
	ResolvedBy        *uuid.UUID          `json:"resolved_by,omitempty"`
	AdminNote         *string             `json:"admin_note,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
}

func newDisputeView(d *models.Dispute) DisputeView {
	return DisputeView{
		ID:                d.ID,
		OrderID:           d.OrderID,
		Status:            d.Status,
		Reason:            d.Reason,
		Description:       d.Description,
		CreatedBy:         d.CreatedBy,
		OrderStatusAtOpen: d.OrderStatusAtOpen,
		ResolvedBy:        d.ResolvedBy,
		AdminNote:         d.AdminNote,
		CreatedAt:         d.CreatedAt,
		ResolvedAt:        d.ResolvedAt,
	}
}

type resolveResponse struct {
	Dispute  DisputeView                `json:"dispute"`
	Order    ordercontrollers.OrderView `json:"order"`
	Resolved bool                       `json:"resolved"`
}

// Open freezes the order and records the complaint. Either party may open.
func Open(svc Arbiter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		var payload openRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := uuid.Parse(payload.OrderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id"))
			return
		}

		dispute, err := svc.Open(r.Context(), internaldisputes.OpenInput{
			OrderID:     orderID,
			Reason:      validators.SanitizeString(payload.Reason, 255),
			Description: validators.SanitizeString(payload.Description, 4000),
			Actor:       actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newDisputeView(dispute))
	}
}

// ListOpen is the arbitrator queue.
func ListOpen(svc Arbiter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		limit, err := validators.ParseLimit(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListOpen(r.Context(), actor, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views := make([]DisputeView, 0, len(rows))
		for i := range rows {
			views = append(views, newDisputeView(&rows[i]))
		}
		responses.WriteSuccess(w, views)
	}
}

func Detail(svc Arbiter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		disputeID, err := parseDisputeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dispute, err := svc.Get(r.Context(), disputeID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newDisputeView(dispute))
	}
}

// Resolve applies the arbitrator's verdict: refund the buyer or release to
// the seller. Repeating the same verdict is a no-op.
func Resolve(svc Arbiter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, ok := middleware.ActorFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		disputeID, err := parseDisputeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload resolveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		action, err := enums.ParseDisputeResolution(payload.Action)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid action"))
			return
		}
		var note *string
		if payload.AdminNote != nil {
			if trimmed := validators.SanitizeString(*payload.AdminNote, 2000); trimmed != "" {
				note = &trimmed
			}
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithDisputeID(ctx, disputeID.String())
		}
		result, err := svc.Resolve(ctx, internaldisputes.ResolveInput{
			DisputeID: disputeID,
			Action:    action,
			AdminNote: note,
			Actor:     actor,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, resolveResponse{
			Dispute:  newDisputeView(result.Dispute),
			Order:    ordercontrollers.NewOrderView(result.Order),
			Resolved: result.Resolved,
		})
	}
}

func parseDisputeID(r *http.Request) (uuid.UUID, error) {
	return validators.PathUUID(r, "disputeId", "dispute id")
}
