package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/internal/custody"
	"github.com/angelmondragon/tradehold-backend/internal/custody/custodytest"
	"github.com/angelmondragon/tradehold-backend/internal/fees"
	"github.com/angelmondragon/tradehold-backend/internal/payouts"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/db/dbtest"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

type harness struct {
	svc     Service
	db      *gorm.DB
	custody *custodytest.Fake
	buyer   uuid.UUID
	seller  uuid.UUID
	product *models.Product
}

type harnessOption func(p *ServiceParams)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	fake := custodytest.New()
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	rec, err := timeline.NewRecorder(timeline.NewRepository(conn), emitter)
	require.NoError(t, err)
	calc, err := fees.NewCalculator(config.FeesConfig{PlatformFeeBps: 300, ShippingFlatCents: 5000, SettlementCurrency: "usd"})
	require.NoError(t, err)
	router, err := payouts.NewRouter(payouts.NewRepository(conn))
	require.NoError(t, err)

	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	params := ServiceParams{
		Repo:     NewRepository(conn),
		Catalog:  NewCatalog(conn),
		Tx:       dbtest.TxRunner{DB: conn},
		Timeline: rec,
		Outbox:   emitter,
		Custody:  fake,
		Fees:     calc,
		Payouts:  router,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	}
	for _, opt := range opts {
		opt(&params)
	}
	svc, err := NewService(params)
	require.NoError(t, err)

	h := &harness{svc: svc, db: conn, custody: fake, buyer: uuid.New(), seller: uuid.New()}
	h.product = h.newProduct(t)
	return h
}

func (h *harness) newProduct(t *testing.T) *models.Product {
	t.Helper()
	product := &models.Product{
		ID:               uuid.New(),
		SellerID:         h.seller,
		Title:            "Road bike",
		PriceCents:       100000,
		Currency:         "usd",
		SupportsMeetup:   true,
		SupportsShipping: true,
	}
	require.NoError(t, h.db.Create(product).Error)
	return product
}

func (h *harness) verifySeller(t *testing.T) {
	t.Helper()
	account := "acct_seller"
	require.NoError(t, h.db.Create(&models.PayoutProfile{
		UserID:            h.seller,
		ExternalAccountID: &account,
		Verified:          true,
		UpdatedAt:         time.Now().UTC(),
	}).Error)
}

func (h *harness) buyerActor() Actor  { return Actor{UserID: h.buyer, Role: enums.ActorRoleUser} }
func (h *harness) sellerActor() Actor { return Actor{UserID: h.seller, Role: enums.ActorRoleUser} }

func testAddress() *types.ShippingAddress {
	return &types.ShippingAddress{Name: "Ada", Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701", Country: "US"}
}

func (h *harness) createShippingOnline(t *testing.T) *models.Order {
	t.Helper()
	res, err := h.svc.Create(context.Background(), CreateInput{
		BuyerID:         h.buyer,
		ProductID:       h.product.ID,
		DeliveryMode:    enums.DeliveryModeShipping,
		PaymentMode:     enums.PaymentModeOnline,
		ShippingAddress: testAddress(),
	})
	require.NoError(t, err)
	return res.Order
}

// paidShippingOrder returns an online shipping order whose hold succeeded.
func (h *harness) paidShippingOrder(t *testing.T) *models.Order {
	t.Helper()
	order := h.createShippingOnline(t)
	h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)
	res, err := h.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.buyerActor()})
	require.NoError(t, err)
	return res.Order
}

func (h *harness) deliveredShippingOrder(t *testing.T) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := h.paidShippingOrder(t)
	_, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "1Z999"})
	require.NoError(t, err)
	res, err := h.svc.ConfirmDelivery(ctx, ConfirmDeliveryInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	return res.Order
}

func (h *harness) countEntries(t *testing.T, orderID uuid.UUID, eventType enums.TimelineEventType) int64 {
	t.Helper()
	n, err := timeline.NewRepository(h.db).CountByType(context.Background(), orderID, string(eventType))
	require.NoError(t, err)
	return n
}

func codeOf(err error) pkgerrors.Code {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Code()
	}
	return ""
}

func TestCreateShippingOnlinePricesAndHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Create(ctx, CreateInput{
		BuyerID:         h.buyer,
		ProductID:       h.product.ID,
		DeliveryMode:    enums.DeliveryModeShipping,
		PaymentMode:     enums.PaymentModeOnline,
		ShippingAddress: testAddress(),
	})
	require.NoError(t, err)

	order := res.Order
	assert.Equal(t, enums.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, int64(100000), order.ProductAmountCents)
	assert.Equal(t, int64(5000), order.ShippingFeeCents)
	assert.Equal(t, int64(3000), order.PlatformFeeCents)
	assert.Equal(t, int64(108000), order.TotalCents)
	require.NotNil(t, order.HoldRef)
	assert.NotEmpty(t, res.ClientSecret)
	assert.Equal(t, 1, h.custody.Calls(custody.OpCreateHold))

	product, err := NewCatalog(h.db).FindProduct(ctx, h.product.ID)
	require.NoError(t, err)
	require.NotNil(t, product.SoldOrderID)
	assert.Equal(t, order.ID, *product.SoldOrderID)

	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineOrderCreated))
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineHoldCreated))
}

func TestCreateRejectsInvalidCheckouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
		code  pkgerrors.Code
	}{
		{
			name:  "own product",
			input: CreateInput{BuyerID: h.seller, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "shipping without address",
			input: CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeShipping, PaymentMode: enums.PaymentModeOnline},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "cash on a shipped order",
			input: CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeShipping, PaymentMode: enums.PaymentModeCash, ShippingAddress: testAddress()},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "meetup with address",
			input: CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash, ShippingAddress: testAddress()},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "unknown delivery mode",
			input: CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: "drone", PaymentMode: enums.PaymentModeCash},
			code:  pkgerrors.CodeValidation,
		},
		{
			name:  "missing product",
			input: CreateInput{BuyerID: h.buyer, ProductID: uuid.New(), DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash},
			code:  pkgerrors.CodeNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tc.input)
			require.Error(t, err)
			assert.Equal(t, tc.code, codeOf(err))
		})
	}
	assert.Equal(t, 0, h.custody.Calls(custody.OpCreateHold))
}

func TestCreateRejectsSoldProduct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Create(ctx, CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash})
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, CreateInput{BuyerID: uuid.New(), ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, codeOf(err))
}

func TestShippingOnlineOrderDisbursesProductMinusFee(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()

	order := h.deliveredShippingOrder(t)
	assert.Equal(t, enums.OrderStatusDelivered, order.Status)

	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, enums.OrderStatusCompleted, res.Order.Status)
	assert.False(t, res.Order.PayoutPending)
	require.NotNil(t, res.Order.DisbursedAt)

	require.Len(t, h.custody.Disbursements, 1)
	transfer := h.custody.Disbursements[0]
	assert.Equal(t, int64(97000), transfer.AmountCents)
	assert.Equal(t, "acct_seller", transfer.DestinationAccount)
	assert.Equal(t, custody.IdempotencyKey(order.ID, custody.OpDisburse), transfer.IdempotencyKey)

	events, err := outbox.NewRepository(h.db).ListByAggregate(nil, enums.AggregateOrder, order.ID)
	require.NoError(t, err)
	settled := 0
	for _, ev := range events {
		if ev.EventType == enums.EventOrderSettled {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
}

func TestCashMeetupOrderEndsPendingPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.Create(ctx, CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash})
	require.NoError(t, err)
	order := created.Order
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	assert.Equal(t, int64(103000), order.TotalCents)
	assert.Empty(t, created.ClientSecret)
	assert.Equal(t, 0, h.custody.Calls(custody.OpCreateHold))

	_, err = h.svc.ArrangeMeetup(ctx, ArrangeMeetupInput{OrderID: order.ID, Actor: h.sellerActor(), Location: "Central Library", At: time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = h.svc.ConfirmDelivery(ctx, ConfirmDeliveryInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)

	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompletedPendingPayout, res.Order.Status)
	assert.True(t, res.Order.PayoutPending)
	assert.Equal(t, 0, h.custody.Calls(custody.OpDisburse))
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelinePayoutPending))
}

func TestConfirmPaymentTwiceRecordsOneSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createShippingOnline(t)
	h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)

	first, err := h.svc.ConfirmPayment(ctx, ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.True(t, first.Transitioned)

	second, err := h.svc.ConfirmPayment(ctx, ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.False(t, second.Transitioned)

	webhook, err := h.svc.MarkPaid(ctx, PaymentCheck{OrderID: order.ID, ExpectedHoldRef: *order.HoldRef, Source: PaymentSourceWebhook, Actor: SystemActor()})
	require.NoError(t, err)
	assert.False(t, webhook.Transitioned)
	assert.Equal(t, enums.OrderStatusPaid, webhook.Order.Status)

	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineHoldSucceeded))
}

func TestMarkPaidConcurrentCallersTransitionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createShippingOnline(t)
	h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitioned := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.MarkPaid(ctx, PaymentCheck{OrderID: order.ID, Source: PaymentSourceWebhook, Actor: SystemActor()})
			if err != nil {
				t.Errorf("mark paid: %v", err)
				return
			}
			if res.Transitioned {
				mu.Lock()
				transitioned++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitioned)
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineHoldSucceeded))
}

func TestMarkPaidTrustsOnlyTheProcessor(t *testing.T) {
	t.Run("pending hold", func(t *testing.T) {
		h := newHarness(t)
		order := h.createShippingOnline(t)
		_, err := h.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.buyerActor()})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
	})
	t.Run("foreign hold id", func(t *testing.T) {
		h := newHarness(t)
		order := h.createShippingOnline(t)
		h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)
		_, err := h.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: "pi_somebody_else", Actor: h.buyerActor()})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
	})
	t.Run("amount mismatch", func(t *testing.T) {
		h := newHarness(t)
		order := h.createShippingOnline(t)
		h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)
		h.custody.SetHoldAmount(*order.HoldRef, 100)
		_, err := h.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.buyerActor()})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
		assert.Equal(t, int64(0), h.countEntries(t, order.ID, enums.TimelineHoldSucceeded))
	})
	t.Run("not the buyer", func(t *testing.T) {
		h := newHarness(t)
		order := h.createShippingOnline(t)
		_, err := h.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, ExternalHoldID: *order.HoldRef, Actor: h.sellerActor()})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeForbidden, codeOf(err))
	})
}

func TestDeclinedHoldLeavesOrderAwaitingPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custody.CreateHoldErrs = []error{&custody.ProcessorError{
		Kind:      custody.KindRejected,
		Operation: custody.OpCreateHold,
		Code:      "card_declined",
		Message:   "Your card was declined.",
	}}

	_, err := h.svc.Create(ctx, CreateInput{
		BuyerID:         h.buyer,
		ProductID:       h.product.ID,
		DeliveryMode:    enums.DeliveryModeShipping,
		PaymentMode:     enums.PaymentModeOnline,
		ShippingAddress: testAddress(),
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodePaymentFailed, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	orderID, err := uuid.Parse(details["order_id"].(string))
	require.NoError(t, err)

	order, err := NewRepository(h.db).FindByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPendingPayment, order.Status)
	assert.Nil(t, order.HoldRef)
	assert.Equal(t, 2, order.HoldAttempts)
	assert.Equal(t, int64(1), h.countEntries(t, orderID, enums.TimelinePaymentFailed))
	assert.Equal(t, int64(0), h.countEntries(t, orderID, enums.TimelineHoldSucceeded))

	retry, err := h.svc.RetryPayment(ctx, RetryPaymentInput{OrderID: orderID, Actor: h.buyerActor()})
	require.NoError(t, err)
	require.NotNil(t, retry.Order.HoldRef)
	assert.NotEmpty(t, retry.ClientSecret)
	assert.Equal(t, 2, h.custody.Calls(custody.OpCreateHold))
}

func TestUnavailableProcessorKeepsHoldAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.custody.CreateHoldErrs = []error{&custody.ProcessorError{
		Kind:      custody.KindUnavailable,
		Operation: custody.OpCreateHold,
		Message:   "timeout",
	}}

	_, err := h.svc.Create(ctx, CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeOnline})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeDependency, typed.Code())
	orderID, err := uuid.Parse(typed.Details().(map[string]any)["order_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.countEntries(t, orderID, enums.TimelineProcessorError))

	retry, err := h.svc.RetryPayment(ctx, RetryPaymentInput{OrderID: orderID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Order.HoldAttempts)
	require.NotNil(t, retry.Order.HoldRef)
}

func TestRetryPaymentWhileHoldPendingConflicts(t *testing.T) {
	h := newHarness(t)
	order := h.createShippingOnline(t)

	_, err := h.svc.RetryPayment(context.Background(), RetryPaymentInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
	assert.Equal(t, 1, h.custody.Calls(custody.OpCreateHold))
}

func TestReleaseFundsTwiceDisbursesOnce(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)

	first, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	second, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)

	assert.True(t, first.Transitioned)
	assert.False(t, second.Transitioned)
	assert.Equal(t, 1, h.custody.DistinctDisbursements())
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineFundsReleased))
}

// racingCustody flips the order into dispute while a disbursement is in flight.
type racingCustody struct {
	*custodytest.Fake
	onDisburse func()
}

func (r *racingCustody) Disburse(ctx context.Context, req custody.DisbursementRequest) (*custody.Disbursement, error) {
	out, err := r.Fake.Disburse(ctx, req)
	if r.onDisburse != nil {
		r.onDisburse()
		r.onDisburse = nil
	}
	return out, err
}

func TestDisputeOpenedDuringDisbursementCannotBeRefunded(t *testing.T) {
	racing := &racingCustody{Fake: custodytest.New()}
	h := newHarness(t, func(p *ServiceParams) { p.Custody = racing })
	h.custody = racing.Fake
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)

	racing.onDisburse = func() {
		require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
			_, err := h.svc.FreezeForDispute(ctx, tx, order.ID, h.buyerActor(), "item not as described")
			return err
		}))
	}
	_, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, codeOf(err))

	stored, err := NewRepository(h.db).FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDisputed, stored.Status)
	require.NotNil(t, stored.DisbursedAt)
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineSettlementInterrupted))

	arbitrator := Actor{UserID: uuid.New(), Role: enums.ActorRoleArbitrator}
	_, err = h.svc.RefundHeldFunds(ctx, order.ID, SettleOptions{
		From:   []enums.OrderStatus{enums.OrderStatusDisputed},
		To:     enums.OrderStatusRefunded,
		Actor:  arbitrator,
		Reason: "Arbitrator refunded the buyer",
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, codeOf(err))
	assert.Equal(t, 0, h.custody.Calls(custody.OpRefund))
	assert.Empty(t, h.custody.Refunds)

	stored, err = NewRepository(h.db).FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDisputed, stored.Status)
	assert.Nil(t, stored.RefundedAt)

	res, err := h.svc.ReleaseHeldFunds(ctx, order.ID, SettleOptions{
		From:   []enums.OrderStatus{enums.OrderStatusDisputed},
		Actor:  arbitrator,
		Reason: "Arbitrator released funds",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, res.Order.Status)
	assert.Equal(t, 1, h.custody.Calls(custody.OpDisburse))
	assert.Len(t, h.custody.Disbursements, 1)
}

func TestRefundInFlightBlocksRelease(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)

	claimed, err := NewRepository(h.db).ClaimSettlement(ctx, order.ID, custody.OpRefund)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, codeOf(err))
	assert.Equal(t, 0, h.custody.Calls(custody.OpDisburse))

	require.NoError(t, NewRepository(h.db).ReleaseSettlementClaim(ctx, order.ID, custody.OpRefund))
	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, res.Order.Status)
}

func TestReleaseAfterRefundIsRefused(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	_, err := NewRepository(h.db).RecordRefund(ctx, order.ID, "re_elsewhere", time.Now().UTC())
	require.NoError(t, err)

	_, err = h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, codeOf(err))
	assert.Equal(t, 0, h.custody.Calls(custody.OpDisburse))
}

func TestRejectedDestinationRoutesToPendingPayout(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	h.custody.DisburseErrs = []error{&custody.ProcessorError{Kind: custody.KindRejected, Operation: custody.OpDisburse, Code: "account_invalid", Message: "destination account is closed"}}

	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, enums.OrderStatusCompletedPendingPayout, res.Order.Status)
	assert.True(t, res.Order.PayoutPending)
	assert.Nil(t, res.Order.DisbursedAt)
	assert.Nil(t, res.Order.SettlementClaim)
	assert.Empty(t, h.custody.Disbursements)
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineProcessorError))
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelinePayoutPending))
}

func TestRejectedHoldKeepsOrderDelivered(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	h.custody.DisburseErrs = []error{&custody.ProcessorError{Kind: custody.KindRejected, Operation: custody.OpDisburse, Code: "hold_not_captured"}}

	_, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePaymentFailed, codeOf(err))

	stored, err := NewRepository(h.db).FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, stored.Status)
	assert.Nil(t, stored.SettlementClaim, "a refused disbursement frees the order for a refund")
}

func TestDisburseOutageLeavesOrderDelivered(t *testing.T) {
	h := newHarness(t)
	h.verifySeller(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	h.custody.DisburseErrs = []error{&custody.ProcessorError{Kind: custody.KindUnavailable, Operation: custody.OpDisburse, Message: "timeout"}}

	_, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, codeOf(err))

	stored, err := NewRepository(h.db).FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, stored.Status)
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineProcessorError))

	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: SystemActor()})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCompleted, res.Order.Status)
	assert.Equal(t, 1, h.custody.DistinctDisbursements())
}

func TestCancelVoidsHoldAndRelistsProduct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createShippingOnline(t)

	res, err := h.svc.Cancel(ctx, CancelInput{OrderID: order.ID, Actor: h.buyerActor(), Reason: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, res.Order.Status)
	require.NotNil(t, res.Order.RefundedAt)
	require.Len(t, h.custody.Refunds, 1)
	assert.Equal(t, int64(0), h.custody.Refunds[0].AmountCents)

	product, err := NewCatalog(h.db).FindProduct(ctx, h.product.ID)
	require.NoError(t, err)
	assert.Nil(t, product.SoldAt)

	again, err := h.svc.Cancel(ctx, CancelInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.False(t, again.Transitioned)
	assert.Equal(t, 1, h.custody.Calls(custody.OpRefund))

	h.custody.SetHoldStatus(*order.HoldRef, enums.HoldStatusSucceeded)
	_, err = h.svc.MarkPaid(ctx, PaymentCheck{OrderID: order.ID, Source: PaymentSourceWebhook, Actor: SystemActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))

	events, err := outbox.NewRepository(h.db).ListByAggregate(nil, enums.AggregateOrder, order.ID)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, enums.EventOrderSettled, ev.EventType)
	}
}

func TestCancelAfterShipmentIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidShippingOrder(t)
	_, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "1Z"})
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, CancelInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
	assert.Equal(t, 0, h.custody.Calls(custody.OpRefund))
}

func TestRefundedOrderCannotBeDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidShippingOrder(t)
	_, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "1Z"})
	require.NoError(t, err)

	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.svc.FreezeForDispute(ctx, tx, order.ID, h.buyerActor(), "never arrived")
		return err
	}))
	refund, err := h.svc.RefundHeldFunds(ctx, order.ID, SettleOptions{
		From:  []enums.OrderStatus{enums.OrderStatusDisputed},
		Actor: Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusRefunded, refund.Order.Status)

	_, err = h.svc.ConfirmDelivery(ctx, ConfirmDeliveryInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))

	_, err = h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.Error(t, err)
	assert.Equal(t, 0, h.custody.Calls(custody.OpDisburse))
}

func TestShippingTransitionsCheckRolesAndModes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.paidShippingOrder(t)

	_, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.buyerActor(), Carrier: "ups", TrackingNumber: "1Z"})
	assert.Equal(t, pkgerrors.CodeForbidden, codeOf(err))

	_, err = h.svc.ArrangeMeetup(ctx, ArrangeMeetupInput{OrderID: order.ID, Actor: h.sellerActor(), Location: "Park", At: time.Now().Add(time.Hour)})
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))

	first, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "1Z"})
	require.NoError(t, err)
	assert.True(t, first.Transitioned)
	repeat, err := h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "1Z"})
	require.NoError(t, err)
	assert.False(t, repeat.Transitioned)

	_, err = h.svc.MarkShipped(ctx, ShipInput{OrderID: order.ID, Actor: h.sellerActor(), Carrier: "ups", TrackingNumber: "2Z"})
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineShipped))
}

func TestMeetupConfirmationByCounterpart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateInput{BuyerID: h.buyer, ProductID: h.product.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash})
	require.NoError(t, err)
	orderID := created.Order.ID

	_, err = h.svc.ConfirmDelivery(ctx, ConfirmDeliveryInput{OrderID: orderID, Actor: h.buyerActor()})
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err), "delivery needs an arranged meetup")

	_, err = h.svc.ArrangeMeetup(ctx, ArrangeMeetupInput{OrderID: orderID, Actor: h.sellerActor(), Location: "Cafe", At: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = h.svc.ConfirmMeetup(ctx, ConfirmMeetupInput{OrderID: orderID, Actor: h.sellerActor()})
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))

	first, err := h.svc.ConfirmMeetup(ctx, ConfirmMeetupInput{OrderID: orderID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.True(t, first.Transitioned)
	assert.NotNil(t, first.Order.BuyerConfirmedAt)

	second, err := h.svc.ConfirmMeetup(ctx, ConfirmMeetupInput{OrderID: orderID, Actor: h.buyerActor()})
	require.NoError(t, err)
	assert.False(t, second.Transitioned)
	assert.Equal(t, int64(1), h.countEntries(t, orderID, enums.TimelineMeetupConfirmed))
}

func TestManualPayoutRequiresAdministrator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	res, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCompletedPendingPayout, res.Order.Status)
	assert.Equal(t, 0, h.custody.Calls(custody.OpDisburse))

	_, err = h.svc.RecordManualPayout(ctx, ManualPayoutInput{OrderID: order.ID, Actor: h.sellerActor()})
	assert.Equal(t, pkgerrors.CodeForbidden, codeOf(err))
	_, err = h.svc.RecordManualPayout(ctx, ManualPayoutInput{OrderID: order.ID, Actor: Actor{UserID: h.seller, Role: enums.ActorRoleAdmin}})
	assert.Equal(t, pkgerrors.CodeForbidden, codeOf(err), "an administrator cannot pay out their own sale")

	admin := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}
	note := "wire 2026-05-02"
	paid, err := h.svc.RecordManualPayout(ctx, ManualPayoutInput{OrderID: order.ID, Actor: admin, Note: &note})
	require.NoError(t, err)
	assert.True(t, paid.Transitioned)
	assert.False(t, paid.Order.PayoutPending)
	require.NotNil(t, paid.Order.ManualPayoutBy)
	assert.Equal(t, admin.UserID, *paid.Order.ManualPayoutBy)

	again, err := h.svc.RecordManualPayout(ctx, ManualPayoutInput{OrderID: order.ID, Actor: admin})
	require.NoError(t, err)
	assert.False(t, again.Transitioned)
	assert.Equal(t, int64(1), h.countEntries(t, order.ID, enums.TimelineManualPayout))
}

func TestNotePayoutAccountVerifiedIsOncePerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	_, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)

	noted, err := h.svc.NotePayoutAccountVerified(ctx, h.seller, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, 1, noted)

	noted, err = h.svc.NotePayoutAccountVerified(ctx, h.seller, "acct_new")
	require.NoError(t, err)
	assert.Equal(t, 0, noted)
}

func TestGetAndListScopedToParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.createShippingOnline(t)
	second := h.newProduct(t)
	_, err := h.svc.Create(ctx, CreateInput{BuyerID: h.buyer, ProductID: second.ID, DeliveryMode: enums.DeliveryModeMeetup, PaymentMode: enums.PaymentModeCash})
	require.NoError(t, err)

	detail, err := h.svc.Get(ctx, GetInput{OrderID: order.ID, Actor: h.sellerActor()})
	require.NoError(t, err)
	assert.Equal(t, order.ID, detail.Order.ID)
	assert.NotEmpty(t, detail.Timeline)

	_, err = h.svc.Get(ctx, GetInput{OrderID: order.ID, Actor: Actor{UserID: uuid.New(), Role: enums.ActorRoleUser}})
	assert.Equal(t, pkgerrors.CodeForbidden, codeOf(err))

	_, err = h.svc.Get(ctx, GetInput{OrderID: order.ID, Actor: Actor{UserID: uuid.New(), Role: enums.ActorRoleArbitrator}})
	require.NoError(t, err)

	page, err := h.svc.List(ctx, ListInput{Actor: h.buyerActor(), Role: ParticipantBuyer, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	require.NotEmpty(t, page.Cursor)

	rest, err := h.svc.List(ctx, ListInput{Actor: h.buyerActor(), Role: ParticipantBuyer, Limit: 1, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, rest.Orders, 1)
	assert.Empty(t, rest.Cursor)
	assert.NotEqual(t, page.Orders[0].ID, rest.Orders[0].ID)

	sold, err := h.svc.List(ctx, ListInput{Actor: h.sellerActor(), Role: ParticipantSeller})
	require.NoError(t, err)
	assert.Len(t, sold.Orders, 2)

	_, err = h.svc.List(ctx, ListInput{Actor: h.buyerActor(), Cursor: "%%%"})
	assert.Equal(t, pkgerrors.CodeValidation, codeOf(err))
}

func TestFreezeForDisputeRejectsSettledOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.deliveredShippingOrder(t)
	_, err := h.svc.ReleaseFunds(ctx, ReleaseInput{OrderID: order.ID, Actor: h.buyerActor()})
	require.NoError(t, err)

	err = h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.svc.FreezeForDispute(ctx, tx, order.ID, h.buyerActor(), "too late")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, codeOf(err))
}
