package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/fees"
	"github.com/angelmondragon/tradehold-backend/internal/payouts"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitOnce(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type timelineRecorder interface {
	Append(ctx context.Context, tx *gorm.DB, order *models.Order, entry timeline.Entry) (*models.TimelineEntry, error)
	List(ctx context.Context, orderID uuid.UUID) ([]models.TimelineEntry, error)
	Has(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, eventType enums.TimelineEventType) (bool, error)
}

type payoutRouter interface {
	Route(ctx context.Context, sellerID uuid.UUID) (payouts.Decision, error)
}

// Service is the order lifecycle engine.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*CreateResult, error)
	RetryPayment(ctx context.Context, input RetryPaymentInput) (*CreateResult, error)
	ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*TransitionResult, error)
	MarkPaid(ctx context.Context, check PaymentCheck) (*TransitionResult, error)
	RecordPaymentFailure(ctx context.Context, holdRef, code, message string) error
	MarkShipped(ctx context.Context, input ShipInput) (*TransitionResult, error)
	ArrangeMeetup(ctx context.Context, input ArrangeMeetupInput) (*TransitionResult, error)
	ConfirmMeetup(ctx context.Context, input ConfirmMeetupInput) (*TransitionResult, error)
	ConfirmDelivery(ctx context.Context, input ConfirmDeliveryInput) (*TransitionResult, error)
	ReleaseFunds(ctx context.Context, input ReleaseInput) (*TransitionResult, error)
	Cancel(ctx context.Context, input CancelInput) (*TransitionResult, error)
	RecordManualPayout(ctx context.Context, input ManualPayoutInput) (*TransitionResult, error)
	FreezeForDispute(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, actor Actor, reason string) (*Frozen, error)
	ReleaseHeldFunds(ctx context.Context, orderID uuid.UUID, opts SettleOptions) (*TransitionResult, error)
	RefundHeldFunds(ctx context.Context, orderID uuid.UUID, opts SettleOptions) (*TransitionResult, error)
	NotePayoutAccountVerified(ctx context.Context, sellerID uuid.UUID, accountRef string) (int, error)
	Get(ctx context.Context, input GetInput) (*OrderDetail, error)
	List(ctx context.Context, input ListInput) (*ListResult, error)
	FindByHoldRef(ctx context.Context, holdRef string) (*models.Order, error)
}

type ServiceParams struct {
	Repo     Repository
	Catalog  Catalog
	Tx       txRunner
	Timeline timelineRecorder
	Outbox   outboxPublisher
	Custody  custody.Adapter
	Fees     *fees.Calculator
	Payouts  payoutRouter
	Logger   *logger.Logger
	Clock    func() time.Time
}

type service struct {
	repo     Repository
	catalog  Catalog
	tx       txRunner
	timeline timelineRecorder
	outbox   outboxPublisher
	custody  custody.Adapter
	fees     *fees.Calculator
	payouts  payoutRouter
	logg     *logger.Logger
	now      func() time.Time
}

// NewService wires the engine with its repository, custody adapter and collaborators.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Timeline == nil {
		return nil, fmt.Errorf("timeline recorder required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Custody == nil {
		return nil, fmt.Errorf("custody adapter required")
	}
	if params.Fees == nil {
		return nil, fmt.Errorf("fee calculator required")
	}
	if params.Payouts == nil {
		return nil, fmt.Errorf("payout router required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		repo:     params.Repo,
		catalog:  params.Catalog,
		tx:       params.Tx,
		timeline: params.Timeline,
		outbox:   params.Outbox,
		custody:  params.Custody,
		fees:     params.Fees,
		payouts:  params.Payouts,
		logg:     params.Logger,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// errNotApplied signals that a guarded update matched no row.
var errNotApplied = errors.New("transition not applied")

// step describes one guarded transition and what it writes when it wins.
type step struct {
	from  []enums.OrderStatus
	to    enums.OrderStatus
	set   map[string]any
	guard []Guard
	entry timeline.Entry
	// same reports whether an order already in the target state is the result
	// of this very request, so a retried call can succeed as a no-op.
	same func(order *models.Order) bool
}

func (st step) alreadyDone(order *models.Order) bool {
	return order.Status == st.to && st.same != nil && st.same(order)
}

func always(*models.Order) bool { return true }

func (s *service) MarkShipped(ctx context.Context, input ShipInput) (*TransitionResult, error) {
	carrier := strings.TrimSpace(input.Carrier)
	tracking := strings.TrimSpace(input.TrackingNumber)
	if carrier == "" || tracking == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "carrier and tracking number are required")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the seller can mark an order shipped")
	}
	if order.DeliveryMode != enums.DeliveryModeShipping {
		return nil, invalidTransition(order, "order is not a shipping order")
	}
	now := s.now()
	return s.advance(ctx, order, step{
		from: []enums.OrderStatus{enums.OrderStatusPaid},
		to:   enums.OrderStatusShipped,
		set: map[string]any{
			"carrier":             carrier,
			"tracking_number":     tracking,
			"shipped_at":          now,
			"seller_confirmed_at": now,
		},
		entry: timeline.Entry{
			EventType:   enums.TimelineShipped,
			Description: fmt.Sprintf("Seller shipped the item with %s (tracking %s)", carrier, tracking),
			ActorID:     input.Actor.ref(),
			ActorRole:   input.Actor.Role,
			Metadata:    map[string]any{"carrier": carrier, "tracking_number": tracking},
		},
		same: func(o *models.Order) bool {
			return o.TrackingNumber != nil && *o.TrackingNumber == tracking
		},
	})
}

func (s *service) ArrangeMeetup(ctx context.Context, input ArrangeMeetupInput) (*TransitionResult, error) {
	location := strings.TrimSpace(input.Location)
	if location == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "meetup location is required")
	}
	if input.At.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "meetup time is required")
	}
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(input.Actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or seller can arrange a meetup")
	}
	if order.DeliveryMode != enums.DeliveryModeMeetup {
		return nil, invalidTransition(order, "order is not a meetup order")
	}
	at := input.At.UTC()
	return s.advance(ctx, order, step{
		// a fresh proposal replaces the previous one until delivery is confirmed
		from: []enums.OrderStatus{enums.OrderStatusPaid, enums.OrderStatusMeetupArranged},
		to:   enums.OrderStatusMeetupArranged,
		set: map[string]any{
			"meetup_location":     location,
			"meetup_at":           at,
			"meetup_proposed_by":  input.Actor.UserID,
			"buyer_confirmed_at":  nil,
			"seller_confirmed_at": nil,
		},
		entry: timeline.Entry{
			EventType:   enums.TimelineMeetupArranged,
			Description: fmt.Sprintf("Meetup proposed at %s on %s", location, at.Format(time.RFC1123)),
			ActorID:     input.Actor.ref(),
			ActorRole:   input.Actor.Role,
			Metadata:    map[string]any{"location": location, "meetup_at": at.Format(time.RFC3339)},
		},
	})
}

// ConfirmMeetup records the counterpart's agreement. Status does not change.
func (s *service) ConfirmMeetup(ctx context.Context, input ConfirmMeetupInput) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(input.Actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or seller can confirm a meetup")
	}
	if order.Status != enums.OrderStatusMeetupArranged {
		return nil, invalidTransition(order, "no meetup to confirm")
	}
	if order.MeetupProposedBy != nil && *order.MeetupProposedBy == input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "the counterpart must confirm the meetup")
	}
	column := "buyer_confirmed_at"
	confirmed := order.BuyerConfirmedAt
	if input.Actor.UserID == order.SellerID {
		column = "seller_confirmed_at"
		confirmed = order.SellerConfirmedAt
	}
	if confirmed != nil {
		return &TransitionResult{Order: order}, nil
	}
	return s.advance(ctx, order, step{
		from:  []enums.OrderStatus{enums.OrderStatusMeetupArranged},
		to:    enums.OrderStatusMeetupArranged,
		set:   map[string]any{column: s.now()},
		guard: []Guard{{Query: column + " IS NULL"}},
		entry: timeline.Entry{
			EventType:   enums.TimelineMeetupConfirmed,
			Description: "Meetup confirmed by the other party",
			ActorID:     input.Actor.ref(),
			ActorRole:   input.Actor.Role,
		},
	})
}

func (s *service) ConfirmDelivery(ctx context.Context, input ConfirmDeliveryInput) (*TransitionResult, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can confirm delivery")
	}
	from := enums.OrderStatusShipped
	if order.DeliveryMode == enums.DeliveryModeMeetup {
		from = enums.OrderStatusMeetupArranged
	}
	now := s.now()
	return s.advance(ctx, order, step{
		from: []enums.OrderStatus{from},
		to:   enums.OrderStatusDelivered,
		set: map[string]any{
			"delivered_at":       now,
			"buyer_confirmed_at": now,
		},
		entry: timeline.Entry{
			EventType:   enums.TimelineDelivered,
			Description: "Buyer confirmed the item was received",
			ActorID:     input.Actor.ref(),
			ActorRole:   input.Actor.Role,
		},
		same: always,
	})
}

// FreezeForDispute moves the order to disputed inside the caller's transaction.
func (s *service) FreezeForDispute(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, actor Actor, reason string) (*Frozen, error) {
	repo := s.repo.WithTx(tx)
	order, err := repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapLoadError(err)
	}
	if !order.IsParticipant(actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or seller can open a dispute")
	}
	if order.Status == enums.OrderStatusDisputed {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "a dispute is already open for this order")
	}
	if order.Status.IsTerminal() {
		return nil, invalidTransition(order, "settled orders cannot be disputed")
	}
	ok, err := repo.Transition(ctx, Transition{
		OrderID: order.ID,
		From:    []enums.OrderStatus{order.Status},
		To:      enums.OrderStatusDisputed,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order changed while opening the dispute, retry")
	}
	frozen, err := repo.FindByID(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	if _, err := s.timeline.Append(ctx, tx, frozen, timeline.Entry{
		EventType:   enums.TimelineDisputed,
		Description: "A dispute was opened: " + reason,
		ActorID:     actor.ref(),
		ActorRole:   actor.Role,
		Metadata:    map[string]any{"previous_status": string(order.Status)},
	}); err != nil {
		return nil, err
	}
	return &Frozen{Order: frozen, From: order.Status}, nil
}

func (s *service) Get(ctx context.Context, input GetInput) (*OrderDetail, error) {
	order, err := s.loadOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(input.Actor.UserID) && !input.Actor.Role.CanArbitrate() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	entries, err := s.timeline.List(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Timeline: entries}, nil
}

func (s *service) List(ctx context.Context, input ListInput) (*ListResult, error) {
	if input.Actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	role := input.Role
	if role == "" {
		role = ParticipantBuyer
	}
	query := ListQuery{
		UserID: input.Actor.UserID,
		Role:   role,
		Status: input.Status,
		Limit:  input.Limit,
	}
	if input.Cursor != "" {
		cursor, err := pagination.ParseCursor(input.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}
	rows, next, err := s.repo.ListByParticipant(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	result := &ListResult{Orders: rows}
	if next != nil {
		result.Cursor = pagination.EncodeCursor(*next)
	}
	return result, nil
}

func (s *service) FindByHoldRef(ctx context.Context, holdRef string) (*models.Order, error) {
	order, err := s.repo.FindByHoldRef(ctx, holdRef)
	if err != nil {
		return nil, mapLoadError(err)
	}
	return order, nil
}

// advance runs a guarded transition and appends its timeline entry in the
// same transaction. A lost race is resolved by re-reading the order.
func (s *service) advance(ctx context.Context, order *models.Order, st step) (*TransitionResult, error) {
	if st.alreadyDone(order) {
		return &TransitionResult{Order: order}, nil
	}
	if !containsStatus(st.from, order.Status) {
		return nil, invalidTransition(order, fmt.Sprintf("cannot move to %s", st.to))
	}

	var updated *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.Transition(ctx, Transition{
			OrderID: order.ID,
			From:    st.from,
			To:      st.to,
			Set:     st.set,
			Guards:  st.guard,
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
		_, err = s.timeline.Append(ctx, tx, updated, st.entry)
		return err
	})
	if errors.Is(err, errNotApplied) {
		current, loadErr := s.loadOrder(ctx, order.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if st.alreadyDone(current) {
			return &TransitionResult{Order: current}, nil
		}
		return nil, invalidTransition(current, fmt.Sprintf("cannot move to %s", st.to))
	}
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, updated, order.Status)
	return &TransitionResult{Order: updated, Transitioned: true}, nil
}

func (s *service) loadOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLoadError(err)
	}
	return order, nil
}

func (s *service) logTransition(ctx context.Context, order *models.Order, from enums.OrderStatus) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithOrderID(ctx, order.ID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"from_status": string(from),
		"to_status":   string(order.Status),
		"version":     order.Version,
	})
	s.logg.Info(logCtx, "order transitioned")
}

func mapLoadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}

func invalidTransition(order *models.Order, message string) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, message).WithDetails(map[string]any{
		"order_id": order.ID.String(),
		"status":   string(order.Status),
	})
}

func containsStatus(list []enums.OrderStatus, status enums.OrderStatus) bool {
	for _, candidate := range list {
		if candidate == status {
			return true
		}
	}
	return false
}
