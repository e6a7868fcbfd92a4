package custody

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/tradehold-backend/pkg/stripe"
)

// PaymentsAPI is the subset of Stripe used for custody. The production
// implementation calls the client's v1 services; tests supply a stub.
type PaymentsAPI interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	CreateTransfer(ctx context.Context, params *stripe.TransferCreateParams) (*stripe.Transfer, error)
	CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

type sdkPayments struct {
	sc *stripe.Client
}

// NewPaymentsAPI calls through the given client only, never the SDK's
// package-level key or backends.
func NewPaymentsAPI(client *pkgstripe.Client) PaymentsAPI {
	sc := client.API()
	if sc == nil {
		return nil
	}
	return sdkPayments{sc: sc}
}

func (p sdkPayments) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	return p.sc.V1PaymentIntents.Create(ctx, params)
}

func (p sdkPayments) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return p.sc.V1PaymentIntents.Retrieve(ctx, id, &stripe.PaymentIntentRetrieveParams{})
}

func (p sdkPayments) CancelPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return p.sc.V1PaymentIntents.Cancel(ctx, id, params)
}

func (p sdkPayments) CreateTransfer(ctx context.Context, params *stripe.TransferCreateParams) (*stripe.Transfer, error) {
	return p.sc.V1Transfers.Create(ctx, params)
}

func (p sdkPayments) CreateRefund(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error) {
	return p.sc.V1Refunds.Create(ctx, params)
}

type StripeAdapterParams struct {
	API     PaymentsAPI
	Config  config.CustodyConfig
	Metrics *metrics.CustodyMetrics
	Logger  *logger.Logger
}

// StripeAdapter holds funds on the platform account and pays sellers through
// separate transfers to their connected accounts.
type StripeAdapter struct {
	api    PaymentsAPI
	call   caller
	logger *logger.Logger
}

func NewStripeAdapter(params StripeAdapterParams) (*StripeAdapter, error) {
	if params.API == nil {
		return nil, fmt.Errorf("stripe payments api required")
	}
	return &StripeAdapter{
		api:    params.API,
		call:   newCaller(params.Config, params.Metrics),
		logger: params.Logger,
	}, nil
}

func (a *StripeAdapter) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if req.AmountCents <= 0 {
		return nil, rejected(OpCreateHold, "invalid_amount", "hold amount must be positive", nil)
	}
	var intent *stripe.PaymentIntent
	err := a.call.do(ctx, OpCreateHold, func(ctx context.Context) error {
		params := &stripe.PaymentIntentCreateParams{
			Amount:        stripe.Int64(req.AmountCents),
			Currency:      stripe.String(req.Currency),
			TransferGroup: stripe.String(transferGroup(req.OrderID.String())),
			AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("order_id", req.OrderID.String())
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		out, err := a.api.CreatePaymentIntent(ctx, params)
		if err != nil {
			return classify(OpCreateHold, err)
		}
		intent = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Hold{
		Ref:          intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       holdStatus(intent),
	}, nil
}

func (a *StripeAdapter) GetHoldStatus(ctx context.Context, holdRef string) (*HoldState, error) {
	if holdRef == "" {
		return nil, rejected(OpHoldStatus, "missing_hold", "hold reference required", nil)
	}
	var intent *stripe.PaymentIntent
	err := a.call.do(ctx, OpHoldStatus, func(ctx context.Context) error {
		out, err := a.api.GetPaymentIntent(ctx, holdRef)
		if err != nil {
			return classify(OpHoldStatus, err)
		}
		intent = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	state := &HoldState{
		Ref:         intent.ID,
		Status:      holdStatus(intent),
		AmountCents: intent.Amount,
		Currency:    string(intent.Currency),
	}
	if intent.LatestCharge != nil {
		state.ChargeRef = intent.LatestCharge.ID
	}
	if intent.LastPaymentError != nil {
		state.FailureCode = string(intent.LastPaymentError.Code)
	}
	return state, nil
}

func (a *StripeAdapter) Disburse(ctx context.Context, req DisbursementRequest) (*Disbursement, error) {
	if req.DestinationAccount == "" {
		return nil, rejected(OpDisburse, "missing_destination", "destination account required", nil)
	}
	if req.AmountCents <= 0 {
		return nil, rejected(OpDisburse, "invalid_amount", "disbursement amount must be positive", nil)
	}

	state, err := a.GetHoldStatus(ctx, req.HoldRef)
	if err != nil {
		return nil, err
	}
	if state.Status != enums.HoldStatusSucceeded || state.ChargeRef == "" {
		return nil, rejected(OpDisburse, "hold_not_captured", "hold has no captured charge to transfer from", nil)
	}

	var out *stripe.Transfer
	err = a.call.do(ctx, OpDisburse, func(ctx context.Context) error {
		params := &stripe.TransferCreateParams{
			Amount:            stripe.Int64(req.AmountCents),
			Currency:          stripe.String(req.Currency),
			Destination:       stripe.String(req.DestinationAccount),
			SourceTransaction: stripe.String(state.ChargeRef),
			TransferGroup:     stripe.String(transferGroup(req.OrderID.String())),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("order_id", req.OrderID.String())
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		tr, err := a.api.CreateTransfer(ctx, params)
		if err != nil {
			return classify(OpDisburse, err)
		}
		out = tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Disbursement{Ref: out.ID}, nil
}

// Refund returns a captured hold to the buyer, or cancels a hold that never
// captured funds.
func (a *StripeAdapter) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	state, err := a.GetHoldStatus(ctx, req.HoldRef)
	if err != nil {
		return nil, err
	}

	if state.Status != enums.HoldStatusSucceeded {
		return a.void(ctx, req)
	}

	var out *stripe.Refund
	err = a.call.do(ctx, OpRefund, func(ctx context.Context) error {
		params := &stripe.RefundCreateParams{
			PaymentIntent: stripe.String(req.HoldRef),
		}
		if req.AmountCents > 0 {
			params.Amount = stripe.Int64(req.AmountCents)
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("order_id", req.OrderID.String())
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		rf, err := a.api.CreateRefund(ctx, params)
		if err != nil {
			return classify(OpRefund, err)
		}
		out = rf
		return nil
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return &Refund{Ref: req.HoldRef, AlreadyDone: true}, nil
		}
		return nil, err
	}
	return &Refund{Ref: out.ID}, nil
}

func (a *StripeAdapter) void(ctx context.Context, req RefundRequest) (*Refund, error) {
	var intent *stripe.PaymentIntent
	err := a.call.do(ctx, OpRefund, func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		out, err := a.api.CancelPaymentIntent(ctx, req.HoldRef, params)
		if err != nil {
			return classify(OpRefund, err)
		}
		intent = out
		return nil
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return &Refund{Ref: req.HoldRef, Voided: true, AlreadyDone: true}, nil
		}
		return nil, err
	}
	return &Refund{Ref: intent.ID, Voided: true}, nil
}

func holdStatus(intent *stripe.PaymentIntent) enums.HoldStatus {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return enums.HoldStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return enums.HoldStatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			return enums.HoldStatusFailed
		}
	}
	return enums.HoldStatusPending
}

// classify splits Stripe failures into retryable and terminal kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(op, "timeout", "processor call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return unavailable(op, "transport", err.Error(), err)
	}

	code := string(serr.Code)
	if serr.DeclineCode != "" {
		code = string(serr.DeclineCode)
	}

	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests:
		return unavailable(op, "rate_limited", serr.Msg, err)
	case serr.HTTPStatusCode >= http.StatusInternalServerError:
		return unavailable(op, code, serr.Msg, err)
	case serr.Type == stripe.ErrorTypeAPI:
		return unavailable(op, code, serr.Msg, err)
	case serr.Type == stripe.ErrorTypeIdempotency:
		return rejected(op, "idempotency_conflict", serr.Msg, err)
	}
	return rejected(op, code, serr.Msg, err)
}

func transferGroup(orderID string) string {
	return "order_" + orderID
}
