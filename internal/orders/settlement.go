package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/fees"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox/payloads"
)

// SettleOptions parameterizes the money-moving transitions so the dispute
// arbiter can reuse them from the disputed state.
type SettleOptions struct {
	From []enums.OrderStatus
	// To is the refund target, cancelled or refunded. Releases pick their
	// own target from the payout profile.
	To    enums.OrderStatus
	Actor Actor
	// Reason is written to the timeline entry.
	Reason string
	// Hook runs in the settling transaction after the status update wins.
	Hook func(ctx context.Context, tx *gorm.DB, order *models.Order) error
}

// ReleaseFunds pays the seller once delivery is confirmed. Calls after the
// order settled succeed without moving money again.
func (s *service) ReleaseFunds(ctx context.Context, input ReleaseInput) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !input.Actor.IsSystem() && order.BuyerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can release funds")
	}
	reason := "Buyer released funds"
	if input.Actor.IsSystem() {
		reason = "Funds released automatically after the confirmation window"
	}
	return s.ReleaseHeldFunds(ctx, order.ID, SettleOptions{
		From:   []enums.OrderStatus{enums.OrderStatusDelivered},
		Actor:  input.Actor,
		Reason: reason,
	})
}

// ReleaseHeldFunds settles an order in the seller's favour. Sellers with a
// verified payout account are paid through custody first; everyone else is
// routed to completed_pending_payout and nothing leaves custody.
func (s *service) ReleaseHeldFunds(ctx context.Context, orderID uuid.UUID, opts SettleOptions) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsSettled() {
		return &TransitionResult{Order: order}, nil
	}
	if !containsStatus(opts.From, order.Status) {
		return nil, invalidTransition(order, "funds cannot be released in the current state")
	}
	if order.PaymentMode == enums.PaymentModeOnline && !order.HasSucceededHold() {
		return nil, invalidTransition(order, "order was never paid")
	}
	if order.RefundedAt != nil {
		return nil, moneyConflict(order, "the buyer was already refunded for this order")
	}
	if err := s.fees.Verify(breakdownOf(order), order.DeliveryMode); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "order amounts are inconsistent")
	}

	decision, err := s.payouts.Route(ctx, order.SellerID)
	if err != nil {
		return nil, err
	}

	target := enums.OrderStatusCompletedPendingPayout
	var transfer *custody.Disbursement
	var refusal *custody.ProcessorError
	switch {
	case order.PaymentMode == enums.PaymentModeCash && decision.Verified:
		target = enums.OrderStatusCompleted
	case order.PaymentMode == enums.PaymentModeOnline && order.DisbursedAt != nil:
		// a previous attempt moved the money but lost the status race
		target = enums.OrderStatusCompleted
	case order.PaymentMode == enums.PaymentModeOnline && decision.Verified:
		if err := s.claimSettlement(ctx, order, custody.OpDisburse); err != nil {
			return nil, err
		}
		transfer, err = s.custody.Disburse(ctx, custody.DisbursementRequest{
			OrderID:            order.ID,
			HoldRef:            *order.HoldRef,
			DestinationAccount: decision.AccountRef,
			AmountCents:        order.SellerPayoutCents(),
			Currency:           order.Currency,
			IdempotencyKey:     custody.IdempotencyKey(order.ID, custody.OpDisburse),
			Metadata: map[string]string{
				"order_id":  order.ID.String(),
				"seller_id": order.SellerID.String(),
			},
		})
		switch {
		case err == nil:
			target = enums.OrderStatusCompleted
		case custody.IsDestinationRejected(err):
			// the seller's account refused the transfer; pay them out by hand
			s.recordMoneyFailure(ctx, order, custody.OpDisburse, err)
			s.releaseSettlementClaim(ctx, order, custody.OpDisburse)
			refusal, _ = custody.AsProcessorError(err)
		default:
			s.recordMoneyFailure(ctx, order, custody.OpDisburse, err)
			if errors.Is(err, custody.ErrRejected) {
				s.releaseSettlementClaim(ctx, order, custody.OpDisburse)
			}
			return nil, custody.ToAPIError(err)
		}
	}

	now := s.now()
	set := map[string]any{
		"confirmed_at":   now,
		"payout_pending": target == enums.OrderStatusCompletedPendingPayout,
	}
	entry := timeline.Entry{
		EventType:   enums.TimelineFundsReleased,
		Description: releaseDescription(order, target),
		ActorID:     opts.Actor.ref(),
		ActorRole:   opts.Actor.Role,
		Metadata: map[string]any{
			"seller_payout_cents": order.SellerPayoutCents(),
			"platform_fee_cents":  order.PlatformFeeCents,
		},
	}
	if opts.Reason != "" {
		entry.Metadata["reason"] = opts.Reason
	}
	if transfer != nil {
		entry.Metadata["disbursement_ref"] = transfer.Ref
	}
	if refusal != nil {
		entry.Metadata["disbursement_refused"] = refusal.Code
	}
	if target == enums.OrderStatusCompletedPendingPayout {
		entry.EventType = enums.TimelinePayoutPending
	}

	return s.settle(ctx, order, settlement{
		to:     target,
		opts:   opts,
		set:    set,
		entry:  entry,
		guards: []Guard{notRefunded()},
		moved:  transfer != nil,
		guard: func(repo Repository) error {
			if transfer == nil {
				return nil
			}
			_, err := repo.RecordDisbursement(ctx, order.ID, transfer.Ref, now)
			return err
		},
	})
}

// Cancel aborts an order before it ships or meets. Any hold is voided or
// refunded and the product goes back on sale.
func (s *service) Cancel(ctx context.Context, input CancelInput) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(input.Actor.UserID) && !input.Actor.Role.CanArbitrate() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or seller can cancel this order")
	}
	if order.Status == enums.OrderStatusCancelled {
		return &TransitionResult{Order: order}, nil
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "Order cancelled"
	}
	return s.RefundHeldFunds(ctx, order.ID, SettleOptions{
		From:   []enums.OrderStatus{enums.OrderStatusPendingPayment, enums.OrderStatusPaid},
		To:     enums.OrderStatusCancelled,
		Actor:  input.Actor,
		Reason: reason,
		Hook: func(ctx context.Context, tx *gorm.DB, o *models.Order) error {
			return s.catalog.WithTx(tx).Release(ctx, o.ProductID, o.ID)
		},
	})
}

// RefundHeldFunds returns the buyer's money, then moves the order to
// opts.To (cancelled or refunded). Orders without a hold skip custody.
func (s *service) RefundHeldFunds(ctx context.Context, orderID uuid.UUID, opts SettleOptions) (*TransitionResult, error) {
	if opts.To == "" {
		opts.To = enums.OrderStatusRefunded
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == opts.To {
		return &TransitionResult{Order: order}, nil
	}
	if !containsStatus(opts.From, order.Status) {
		return nil, invalidTransition(order, fmt.Sprintf("order cannot be %s in the current state", opts.To))
	}
	if order.DisbursedAt != nil {
		return nil, moneyConflict(order, "funds were already disbursed to the seller, settle by release")
	}
	if err := s.fees.Verify(breakdownOf(order), order.DeliveryMode); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "order amounts are inconsistent")
	}

	var refund *custody.Refund
	if order.PaymentMode == enums.PaymentModeOnline && order.HoldRef != nil && order.RefundedAt == nil {
		if err := s.claimSettlement(ctx, order, custody.OpRefund); err != nil {
			return nil, err
		}
		refund, err = s.custody.Refund(ctx, custody.RefundRequest{
			OrderID:        order.ID,
			HoldRef:        *order.HoldRef,
			IdempotencyKey: custody.IdempotencyKey(order.ID, custody.OpRefund),
			Metadata: map[string]string{
				"order_id": order.ID.String(),
				"reason":   opts.Reason,
			},
		})
		if err != nil {
			s.recordMoneyFailure(ctx, order, custody.OpRefund, err)
			if errors.Is(err, custody.ErrRejected) {
				s.releaseSettlementClaim(ctx, order, custody.OpRefund)
			}
			return nil, custody.ToAPIError(err)
		}
	}

	now := s.now()
	set := map[string]any{}
	entry := timeline.Entry{
		EventType:   enums.TimelineRefunded,
		Description: "Buyer was refunded in full",
		ActorID:     opts.Actor.ref(),
		ActorRole:   opts.Actor.Role,
		Metadata:    map[string]any{"reason": opts.Reason},
	}
	if opts.To == enums.OrderStatusCancelled {
		set["cancelled_at"] = now
		entry.EventType = enums.TimelineCancelled
		entry.Description = opts.Reason
	}
	if refund != nil {
		entry.Metadata["refund_ref"] = refund.Ref
		entry.Metadata["voided"] = refund.Voided
		entry.Metadata["amount_cents"] = order.TotalCents
	}

	return s.settle(ctx, order, settlement{
		to:     opts.To,
		opts:   opts,
		set:    set,
		entry:  entry,
		guards: []Guard{notDisbursed()},
		moved:  refund != nil,
		guard: func(repo Repository) error {
			if refund == nil {
				return nil
			}
			_, err := repo.RecordRefund(ctx, order.ID, refund.Ref, now)
			return err
		},
	})
}

type settlement struct {
	to     enums.OrderStatus
	opts   SettleOptions
	set    map[string]any
	entry  timeline.Entry
	guards []Guard
	// moved is set when this call moved money through custody.
	moved bool
	// guard persists the money-movement marker. It commits even when the
	// status update loses, so a retry never moves the money twice.
	guard func(repo Repository) error
}

func (s *service) settle(ctx context.Context, order *models.Order, st settlement) (*TransitionResult, error) {
	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := st.guard(repo); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record money movement")
		}
		ok, err := repo.Transition(ctx, Transition{
			OrderID: order.ID,
			From:    st.opts.From,
			To:      st.to,
			Set:     st.set,
			Guards:  st.guards,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !ok {
			return nil
		}
		updated, err = repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		if st.opts.Hook != nil {
			if err := st.opts.Hook(ctx, tx, updated); err != nil {
				return err
			}
		}
		if _, err := s.timeline.Append(ctx, tx, updated, st.entry); err != nil {
			return err
		}
		if st.to == enums.OrderStatusCancelled {
			return nil
		}
		disputed := containsStatus(st.opts.From, enums.OrderStatusDisputed)
		return s.emitSettled(ctx, tx, updated, st.opts.Actor, disputed)
	})
	if err != nil {
		return nil, err
	}
	if updated != nil {
		s.logTransition(ctx, updated, order.Status)
		return &TransitionResult{Order: updated, Transitioned: true}, nil
	}

	current, err := s.loadOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == st.to || (current.Status.IsSettled() && st.to.IsSettled()) {
		return &TransitionResult{Order: current}, nil
	}
	if st.moved {
		s.recordInterruptedSettlement(ctx, current, st)
		return nil, moneyConflict(current, "funds moved but the order changed before it settled, settle it from its current state")
	}
	return nil, invalidTransition(current, "order changed while settling")
}

// claimSettlement reserves the order for op before custody is called, so a
// release and a refund never both reach the processor.
func (s *service) claimSettlement(ctx context.Context, order *models.Order, op string) error {
	ok, err := s.repo.ClaimSettlement(ctx, order.ID, op)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim settlement")
	}
	if !ok {
		return moneyConflict(order, "another settlement of this order is in progress")
	}
	return nil
}

// releaseSettlementClaim frees the order after a definitive processor
// refusal. Failures only leave the claim in place, so they are logged.
func (s *service) releaseSettlementClaim(ctx context.Context, order *models.Order, op string) {
	err := s.repo.ReleaseSettlementClaim(ctx, order.ID, op)
	if err != nil && s.logg != nil {
		logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{"operation": op})
		s.logg.Error(logCtx, "failed to release settlement claim", err)
	}
}

// recordInterruptedSettlement notes on the timeline that money moved while
// the order left the states the settling call started from.
func (s *service) recordInterruptedSettlement(ctx context.Context, order *models.Order, st settlement) {
	meta := map[string]any{"intended_status": string(st.to)}
	for _, key := range []string{"disbursement_ref", "refund_ref"} {
		if ref, ok := st.entry.Metadata[key]; ok {
			meta[key] = ref
		}
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.timeline.Append(ctx, tx, order, timeline.Entry{
			EventType:   enums.TimelineSettlementInterrupted,
			Description: "Funds moved while the order was " + string(order.Status),
			ActorID:     st.entry.ActorID,
			ActorRole:   st.entry.ActorRole,
			Metadata:    meta,
		})
		return err
	})
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"status":          string(order.Status),
		"intended_status": string(st.to),
	})
	s.logg.Warn(logCtx, "settlement interrupted after money moved")
	if err != nil {
		s.logg.Error(logCtx, "failed to record interrupted settlement", err)
	}
}

func moneyConflict(order *models.Order, message string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, message).WithDetails(map[string]any{
		"order_id": order.ID.String(),
		"status":   string(order.Status),
	})
}

func (s *service) emitSettled(ctx context.Context, tx *gorm.DB, order *models.Order, actor Actor, disputed bool) error {
	role := actor.Role
	if role == "" {
		role = enums.ActorRoleSystem
	}
	err := s.outbox.EmitOnce(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderSettled,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{UserID: actor.ref(), Role: string(role)},
		Data: payloads.OrderSettledEvent{
			OrderID:            order.ID,
			BuyerID:            order.BuyerID,
			SellerID:           order.SellerID,
			Status:             order.Status,
			PaymentMode:        order.PaymentMode,
			ProductAmountCents: order.ProductAmountCents,
			TotalCents:         order.TotalCents,
			Disputed:           disputed,
			SettledAt:          order.UpdatedAt,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue settlement event")
	}
	return nil
}

// RecordManualPayout closes out a completed_pending_payout order that an
// operator paid outside the processor.
func (s *service) RecordManualPayout(ctx context.Context, input ManualPayoutInput) (*TransitionResult, error) {
	if !input.Actor.Role.CanArbitrate() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "manual payouts require an administrator")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.IsParticipant(input.Actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "a party to the order cannot record its payout")
	}
	if order.ManualPayoutAt != nil {
		return &TransitionResult{Order: order}, nil
	}
	if order.Status != enums.OrderStatusCompletedPendingPayout {
		return nil, invalidTransition(order, "order has no pending payout")
	}

	var updated *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.RecordManualPayout(ctx, order.ID, input.Actor.UserID, input.Note, s.now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record manual payout")
		}
		if !ok {
			return errNotApplied
		}
		updated, err = repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
		}
		meta := map[string]any{"seller_payout_cents": order.SellerPayoutCents()}
		if input.Note != nil {
			meta["note"] = *input.Note
		}
		_, err = s.timeline.Append(ctx, tx, updated, timeline.Entry{
			EventType:   enums.TimelineManualPayout,
			Description: "Seller was paid out manually",
			ActorID:     input.Actor.ref(),
			ActorRole:   input.Actor.Role,
			Metadata:    meta,
		})
		return err
	})
	if errors.Is(err, errNotApplied) {
		current, loadErr := s.loadOrder(ctx, order.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.ManualPayoutAt != nil {
			return &TransitionResult{Order: current}, nil
		}
		return nil, invalidTransition(current, "order has no pending payout")
	}
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Order: updated, Transitioned: true}, nil
}

// NotePayoutAccountVerified tells each of the seller's pending-payout orders
// that an operator can now pay them through the processor account.
func (s *service) NotePayoutAccountVerified(ctx context.Context, sellerID uuid.UUID, accountRef string) (int, error) {
	pending, err := s.repo.ListPendingPayoutsBySeller(ctx, sellerID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending payouts")
	}
	noted := 0
	for i := range pending {
		order := &pending[i]
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			seen, err := s.timeline.Has(ctx, tx, order.ID, enums.TimelinePayoutAccountUpdated)
			if err != nil || seen {
				return err
			}
			if _, err := s.timeline.Append(ctx, tx, order, timeline.Entry{
				EventType:   enums.TimelinePayoutAccountUpdated,
				Description: "Seller payout account was verified",
				Metadata:    map[string]any{"account_ref": accountRef},
			}); err != nil {
				return err
			}
			noted++
			return nil
		})
		if err != nil {
			return noted, err
		}
	}
	return noted, nil
}

// recordMoneyFailure writes the raw processor code to the timeline. The
// order status is left alone.
func (s *service) recordMoneyFailure(ctx context.Context, order *models.Order, op string, cause error) {
	meta := map[string]any{"operation": op, "message": cause.Error()}
	if perr, ok := custody.AsProcessorError(cause); ok {
		meta["code"] = perr.Code
		meta["kind"] = string(perr.Kind)
		meta["message"] = perr.Message
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := s.timeline.Append(ctx, tx, order, timeline.Entry{
			EventType:   enums.TimelineProcessorError,
			Description: "A payment operation failed and will need to be retried",
			Metadata:    meta,
		})
		return err
	})
	s.logProcessorFailure(ctx, order, op, cause, err)
}

func releaseDescription(order *models.Order, target enums.OrderStatus) string {
	switch {
	case target == enums.OrderStatusCompletedPendingPayout:
		return "Order completed; seller payout is pending until a payout account is verified"
	case order.PaymentMode == enums.PaymentModeCash:
		return "Order completed; payment was made in cash"
	default:
		return "Funds released to the seller"
	}
}

func breakdownOf(order *models.Order) fees.Breakdown {
	return fees.Breakdown{
		ProductAmountCents: order.ProductAmountCents,
		ShippingFeeCents:   order.ShippingFeeCents,
		PlatformFeeCents:   order.PlatformFeeCents,
		TotalCents:         order.TotalCents,
		Currency:           order.Currency,
	}
}
