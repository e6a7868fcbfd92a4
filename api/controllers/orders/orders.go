package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/api/middleware"
	"github.com/angelmondragon/tradehold-backend/api/responses"
	"github.com/angelmondragon/tradehold-backend/api/validators"
	internalorders "github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

// Lifecycle is the part of the order engine exposed over HTTP.
type Lifecycle interface {
	Create(ctx context.Context, input internalorders.CreateInput) (*internalorders.CreateResult, error)
	RetryPayment(ctx context.Context, input internalorders.RetryPaymentInput) (*internalorders.CreateResult, error)
	ConfirmPayment(ctx context.Context, input internalorders.ConfirmPaymentInput) (*internalorders.TransitionResult, error)
	MarkShipped(ctx context.Context, input internalorders.ShipInput) (*internalorders.TransitionResult, error)
	ArrangeMeetup(ctx context.Context, input internalorders.ArrangeMeetupInput) (*internalorders.TransitionResult, error)
	ConfirmMeetup(ctx context.Context, input internalorders.ConfirmMeetupInput) (*internalorders.TransitionResult, error)
	ConfirmDelivery(ctx context.Context, input internalorders.ConfirmDeliveryInput) (*internalorders.TransitionResult, error)
	ReleaseFunds(ctx context.Context, input internalorders.ReleaseInput) (*internalorders.TransitionResult, error)
	Cancel(ctx context.Context, input internalorders.CancelInput) (*internalorders.TransitionResult, error)
	Get(ctx context.Context, input internalorders.GetInput) (*internalorders.OrderDetail, error)
	List(ctx context.Context, input internalorders.ListInput) (*internalorders.ListResult, error)
}

// PaymentVerifier re-reads the processor on the buyer's request.
type PaymentVerifier interface {
	Verify(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error)
}

// Create starts checkout for one product. Online orders return the client
// secret needed to authorize the hold.
func Create(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}

		var payload createOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		productID, err := uuid.Parse(payload.ProductID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid product id"))
			return
		}

		result, err := svc.Create(r.Context(), internalorders.CreateInput{
			BuyerID:         actor.UserID,
			ProductID:       productID,
			DeliveryMode:    enums.DeliveryMode(payload.DeliveryMode),
			PaymentMode:     enums.PaymentMode(payload.PaymentMode),
			ShippingAddress: payload.ShippingAddress,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, createResponse{
			Order:        NewOrderView(result.Order),
			ClientSecret: result.ClientSecret,
		})
	}
}

// List returns the caller's orders from the buyer or seller side.
func List(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}

		query := r.URL.Query()
		role, err := internalorders.ParseParticipantRole(strings.TrimSpace(query.Get("role")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid role"))
			return
		}
		status, err := validators.ParseQueryEnum(r, "status", enums.ParseOrderStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseLimit(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), internalorders.ListInput{
			Actor:  actor,
			Role:   role,
			Status: status,
			Limit:  limit,
			Cursor: strings.TrimSpace(query.Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views := make([]OrderView, 0, len(list.Orders))
		for i := range list.Orders {
			views = append(views, NewOrderView(&list.Orders[i]))
		}
		responses.WriteSuccess(w, listResponse{Orders: views, NextCursor: list.Cursor})
	}
}

// Detail returns the order with its full timeline.
func Detail(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		detail, err := svc.Get(r.Context(), internalorders.GetInput{OrderID: orderID, Actor: actor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailResponse{
			Order:    NewOrderView(detail.Order),
			Timeline: newTimelineView(detail.Timeline),
		})
	}
}

func ConfirmPayment(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		var payload confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return nil, err
		}
		return svc.ConfirmPayment(r.Context(), internalorders.ConfirmPaymentInput{
			OrderID:        orderID,
			ExternalHoldID: strings.TrimSpace(payload.ExternalHoldID),
			Actor:          actor,
		})
	})
}

// VerifyPayment asks the processor whether the hold went through when the
// webhook is late.
func VerifyPayment(svc PaymentVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment verification unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Verify(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeTransition(w, result)
	}
}

func RetryPayment(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.RetryPayment(r.Context(), internalorders.RetryPaymentInput{OrderID: orderID, Actor: actor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, createResponse{
			Order:        NewOrderView(result.Order),
			ClientSecret: result.ClientSecret,
		})
	}
}

func Ship(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		var payload shipRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return nil, err
		}
		return svc.MarkShipped(r.Context(), internalorders.ShipInput{
			OrderID:        orderID,
			Actor:          actor,
			Carrier:        payload.Carrier,
			TrackingNumber: payload.TrackingNumber,
		})
	})
}

func ArrangeMeetup(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		var payload arrangeMeetupRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return nil, err
		}
		return svc.ArrangeMeetup(r.Context(), internalorders.ArrangeMeetupInput{
			OrderID:  orderID,
			Actor:    actor,
			Location: payload.Location,
			At:       payload.At,
		})
	})
}

func ConfirmMeetup(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		return svc.ConfirmMeetup(r.Context(), internalorders.ConfirmMeetupInput{OrderID: orderID, Actor: actor})
	})
}

func ConfirmDelivery(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		return svc.ConfirmDelivery(r.Context(), internalorders.ConfirmDeliveryInput{OrderID: orderID, Actor: actor})
	})
}

func Release(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		return svc.ReleaseFunds(r.Context(), internalorders.ReleaseInput{OrderID: orderID, Actor: actor})
	})
}

func Cancel(svc Lifecycle, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error) {
		var payload cancelRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			return nil, err
		}
		return svc.Cancel(r.Context(), internalorders.CancelInput{
			OrderID: orderID,
			Actor:   actor,
			Reason:  validators.SanitizeString(payload.Reason, 500),
		})
	})
}

type transitionFunc func(r *http.Request, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.TransitionResult, error)

// transition wraps the parts every state-changing endpoint shares.
func transition(svc Lifecycle, logg *logger.Logger, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, ok := requireActor(w, r, logg)
		if !ok {
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID.String())
		}
		result, err := fn(r.WithContext(ctx), orderID, actor)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		writeTransition(w, result)
	}
}

func writeTransition(w http.ResponseWriter, result *internalorders.TransitionResult) {
	responses.WriteSuccess(w, transitionResponse{
		Order:        NewOrderView(result.Order),
		Transitioned: result.Transitioned,
	})
}

func requireActor(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (internalorders.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return internalorders.Actor{}, false
	}
	return actor, true
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	return validators.PathUUID(r, "orderId", "order id")
}
