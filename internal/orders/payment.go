package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

var errProductTaken = errors.New("product already sold")

func (s *service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	product, err := s.catalog.FindProduct(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if product.SellerID == input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "you cannot buy your own product")
	}
	if product.SoldAt != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "product already sold")
	}
	if input.DeliveryMode == enums.DeliveryModeMeetup && !product.SupportsMeetup {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product does not support meetup delivery")
	}
	if input.DeliveryMode == enums.DeliveryModeShipping && !product.SupportsShipping {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product does not support shipping")
	}
	if !strings.EqualFold(product.Currency, s.fees.Currency()) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("product currency %s is not supported", product.Currency))
	}

	breakdown, err := s.fees.Calculate(product.PriceCents, input.DeliveryMode, input.PaymentMode)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "price order")
	}

	now := s.now()
	order := &models.Order{
		ID:                 uuid.New(),
		BuyerID:            input.BuyerID,
		SellerID:           product.SellerID,
		ProductID:          product.ID,
		DeliveryMode:       input.DeliveryMode,
		PaymentMode:        input.PaymentMode,
		Status:             enums.OrderStatusPendingPayment,
		Version:            1,
		ProductAmountCents: breakdown.ProductAmountCents,
		ShippingFeeCents:   breakdown.ShippingFeeCents,
		PlatformFeeCents:   breakdown.PlatformFeeCents,
		TotalCents:         breakdown.TotalCents,
		Currency:           breakdown.Currency,
		ShippingAddress:    input.ShippingAddress,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if input.PaymentMode == enums.PaymentModeOnline {
		order.HoldAttempts = 1
	} else {
		// cash changes hands at the meetup, so the order is committed immediately
		order.Status = enums.OrderStatusPaid
		order.PaidAt = &now
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		reserved, err := s.catalog.WithTx(tx).MarkSold(ctx, product.ID, order.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve product")
		}
		if !reserved {
			return errProductTaken
		}
		_, err = s.timeline.Append(ctx, tx, order, timeline.Entry{
			EventType:   enums.TimelineOrderCreated,
			Description: fmt.Sprintf("Order placed for %s (%s, %s)", product.Title, input.DeliveryMode, input.PaymentMode),
			ActorID:     &order.BuyerID,
			ActorRole:   enums.ActorRoleUser,
			Metadata: map[string]any{
				"product_amount_cents": order.ProductAmountCents,
				"shipping_fee_cents":   order.ShippingFeeCents,
				"platform_fee_cents":   order.PlatformFeeCents,
				"total_cents":          order.TotalCents,
				"currency":             order.Currency,
			},
		})
		return err
	})
	if errors.Is(err, errProductTaken) {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "product already sold")
	}
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, order, "")

	if order.PaymentMode == enums.PaymentModeCash {
		return &CreateResult{Order: order}, nil
	}
	return s.requestHold(ctx, order, order.HoldAttempts)
}

func validateCreate(input CreateInput) error {
	if input.BuyerID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.ProductID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if !input.DeliveryMode.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid delivery mode")
	}
	if !input.PaymentMode.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid payment mode")
	}
	switch input.DeliveryMode {
	case enums.DeliveryModeShipping:
		if input.ShippingAddress == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "shipping address required for shipping orders")
		}
		if err := input.ShippingAddress.Validate(); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid shipping address")
		}
		if input.PaymentMode == enums.PaymentModeCash {
			return pkgerrors.New(pkgerrors.CodeValidation, "shipping orders must be paid online")
		}
	case enums.DeliveryModeMeetup:
		if input.ShippingAddress != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "meetup orders do not take a shipping address")
		}
	}
	return nil
}

// RetryPayment requests a new hold for an online order whose previous
// attempt was declined or never reached the processor.
func (s *service) RetryPayment(ctx context.Context, input RetryPaymentInput) (*CreateResult, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can retry payment")
	}
	if order.PaymentMode != enums.PaymentModeOnline {
		return nil, invalidTransition(order, "cash orders have no online payment")
	}
	if order.Status != enums.OrderStatusPendingPayment {
		return nil, invalidTransition(order, "order is not awaiting payment")
	}

	attempt := order.HoldAttempts
	if order.HoldRef != nil {
		state, err := s.custody.GetHoldStatus(ctx, *order.HoldRef)
		if err != nil {
			return nil, custody.ToAPIError(err)
		}
		switch state.Status {
		case enums.HoldStatusSucceeded:
			res, err := s.MarkPaid(ctx, PaymentCheck{OrderID: order.ID, Source: PaymentSourceClient, Actor: input.Actor})
			if err != nil {
				return nil, err
			}
			return &CreateResult{Order: res.Order}, nil
		case enums.HoldStatusPending:
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment is still being processed")
		}
		advanced, err := s.repo.AdvanceHoldAttempt(ctx, order.ID, attempt)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance hold attempt")
		}
		if !advanced {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment retry already in progress")
		}
		attempt++
		order.HoldRef = nil
		order.HoldAttempts = attempt
	}
	return s.requestHold(ctx, order, attempt)
}

// requestHold asks custody for the order total under the attempt's key. A
// processor decline burns the attempt; an outage keeps it so a retry replays
// the same request instead of authorizing twice.
func (s *service) requestHold(ctx context.Context, order *models.Order, attempt int) (*CreateResult, error) {
	breakdown := breakdownOf(order)
	if err := s.fees.Verify(breakdown, order.DeliveryMode); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "order amounts are inconsistent")
	}

	hold, err := s.custody.CreateHold(ctx, custody.HoldRequest{
		OrderID:        order.ID,
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
		IdempotencyKey: custody.HoldIdempotencyKey(order.ID, attempt),
		Metadata: map[string]string{
			"order_id":  order.ID.String(),
			"buyer_id":  order.BuyerID.String(),
			"seller_id": order.SellerID.String(),
		},
	})
	if err != nil {
		s.recordHoldFailure(ctx, order, attempt, err)
		return nil, withOrderDetails(custody.ToAPIError(err), order)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		attached, err := repo.AttachHold(ctx, order.ID, attempt, hold.Ref)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach hold")
		}
		if !attached {
			return errNotApplied
		}
		updated, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		*order = *updated
		_, err = s.timeline.Append(ctx, tx, order, timeline.Entry{
			EventType:   enums.TimelineHoldCreated,
			Description: "Awaiting payment authorization",
			ActorID:     &order.BuyerID,
			ActorRole:   enums.ActorRoleUser,
			Metadata:    map[string]any{"hold_ref": hold.Ref, "attempt": attempt},
		})
		return err
	})
	if errors.Is(err, errNotApplied) {
		current, loadErr := s.loadOrder(ctx, order.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.HoldRef == nil || *current.HoldRef != hold.Ref {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "order payment changed concurrently, reload and retry")
		}
		*order = *current
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return &CreateResult{Order: order, ClientSecret: hold.ClientSecret}, nil
}

// withOrderDetails lets a buyer whose first hold failed find the order to retry.
func withOrderDetails(err error, order *models.Order) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.WithDetails(map[string]any{"order_id": order.ID.String()})
	}
	return err
}

func (s *service) recordHoldFailure(ctx context.Context, order *models.Order, attempt int, cause error) {
	perr, _ := custody.AsProcessorError(cause)
	code, message := "", cause.Error()
	if perr != nil {
		code, message = perr.Code, perr.Message
	}
	entry := timeline.Entry{
		EventType:   enums.TimelineProcessorError,
		Description: "Payment processor could not be reached",
		Metadata:    map[string]any{"operation": custody.OpCreateHold, "code": code, "message": message, "attempt": attempt},
	}
	declined := errors.Is(cause, custody.ErrRejected)
	if declined {
		entry.EventType = enums.TimelinePaymentFailed
		entry.Description = "Payment was declined"
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if declined {
			if _, err := s.repo.WithTx(tx).AdvanceHoldAttempt(ctx, order.ID, attempt); err != nil {
				return err
			}
		}
		_, err := s.timeline.Append(ctx, tx, order, entry)
		return err
	})
	s.logProcessorFailure(ctx, order, custody.OpCreateHold, cause, err)
}

// ConfirmPayment is the buyer's "I paid" call. The processor is asked directly.
func (s *service) ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*TransitionResult, error) {
	holdID := strings.TrimSpace(input.ExternalHoldID)
	if holdID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external hold id required")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can confirm payment")
	}
	return s.MarkPaid(ctx, PaymentCheck{
		OrderID:         order.ID,
		ExpectedHoldRef: holdID,
		Source:          PaymentSourceClient,
		Actor:           input.Actor,
	})
}

// MarkPaid is the single transition into paid shared by the buyer confirm
// call, the verify endpoint, processor webhooks and the reconciliation sweep.
// It never trusts its caller: the hold status is read from the processor.
// Orders already paid or further along succeed without writing anything.
func (s *service) MarkPaid(ctx context.Context, check PaymentCheck) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, check.OrderID)
	if err != nil {
		return nil, err
	}
	if order.PaidAt != nil {
		return &TransitionResult{Order: order}, nil
	}
	if order.Status != enums.OrderStatusPendingPayment {
		return nil, invalidTransition(order, "order can no longer be paid")
	}
	if order.HoldRef == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no payment has been started for this order")
	}
	holdRef := *order.HoldRef
	if check.ExpectedHoldRef != "" && check.ExpectedHoldRef != holdRef {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment does not belong to this order")
	}

	state, err := s.custody.GetHoldStatus(ctx, holdRef)
	if err != nil {
		return nil, custody.ToAPIError(err)
	}
	switch state.Status {
	case enums.HoldStatusPending:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has not completed yet")
	case enums.HoldStatusFailed:
		return nil, pkgerrors.New(pkgerrors.CodePaymentFailed, "payment was not completed")
	}
	if state.AmountCents != order.TotalCents || !strings.EqualFold(state.Currency, order.Currency) {
		if s.logg != nil {
			logCtx := s.logg.WithOrderID(ctx, order.ID.String())
			logCtx = s.logg.WithFields(logCtx, map[string]any{
				"hold_ref":      holdRef,
				"held_cents":    state.AmountCents,
				"held_currency": state.Currency,
				"total_cents":   order.TotalCents,
			})
			s.logg.Error(logCtx, "held amount does not match order total", nil)
		}
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "held amount does not match the order total")
	}

	now := s.now()
	var updated *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, Transition{
			OrderID: order.ID,
			From:    []enums.OrderStatus{enums.OrderStatusPendingPayment},
			To:      enums.OrderStatusPaid,
			Set:     map[string]any{"paid_at": now},
			Guards:  []Guard{notRefunded(), holdRefIs(holdRef)},
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !ok {
			return errNotApplied
		}
		updated, err = repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		_, err = s.timeline.Append(ctx, tx, updated, timeline.Entry{
			EventType:   enums.TimelineHoldSucceeded,
			Description: "Payment received and held in escrow",
			ActorID:     check.Actor.ref(),
			ActorRole:   check.Actor.Role,
			Metadata: map[string]any{
				"hold_ref":     holdRef,
				"amount_cents": state.AmountCents,
				"source":       string(check.Source),
			},
		})
		return err
	})
	if errors.Is(err, errNotApplied) {
		current, loadErr := s.loadOrder(ctx, order.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.PaidAt != nil {
			return &TransitionResult{Order: current}, nil
		}
		return nil, invalidTransition(current, "order can no longer be paid")
	}
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, updated, order.Status)
	return &TransitionResult{Order: updated, Transitioned: true}, nil
}

// RecordPaymentFailure notes an asynchronous decline. The order stays
// pending_payment so the buyer can retry.
func (s *service) RecordPaymentFailure(ctx context.Context, holdRef, code, message string) error {
	order, err := s.FindByHoldRef(ctx, holdRef)
	if err != nil {
		return err
	}
	if order.Status != enums.OrderStatusPendingPayment {
		return nil
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.timeline.Append(ctx, tx, order, timeline.Entry{
			EventType:   enums.TimelinePaymentFailed,
			Description: "Payment was declined",
			Metadata:    map[string]any{"hold_ref": holdRef, "code": code, "message": message},
		})
		return err
	})
}

func (s *service) logProcessorFailure(ctx context.Context, order *models.Order, op string, cause, recordErr error) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithOrderID(ctx, order.ID.String())
	fields := map[string]any{"operation": op}
	if perr, ok := custody.AsProcessorError(cause); ok {
		fields["processor_code"] = perr.Code
		fields["processor_kind"] = string(perr.Kind)
	}
	logCtx = s.logg.WithFields(logCtx, fields)
	s.logg.Warn(logCtx, "payment processor call failed")
	if recordErr != nil {
		s.logg.Error(logCtx, "failed to record processor failure on timeline", recordErr)
	}
}
