package stripewebhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/tradehold-backend/internal/orders"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

// reconciler is the subset of the reconciliation service the processor's
// notifications feed into.
type reconciler interface {
	HoldSucceeded(ctx context.Context, holdRef string) (*orders.TransitionResult, error)
	HoldFailed(ctx context.Context, holdRef, code, message string) error
	PayoutAccountUpdated(ctx context.Context, accountID string, payoutsEnabled bool) (int, error)
}

type ServiceParams struct {
	Reconciler reconciler
	Logger     *logger.Logger
}

type Service struct {
	reconciler reconciler
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	}
	return &Service{
		reconciler: params.Reconciler,
		logg:       params.Logger,
	}, nil
}

// HandleEvent routes a verified processor event. Event types the escrow
// engine does not care about are acknowledged without work.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentAmountCapturableUpdated:
		intent, err := decodeIntent(event)
		if err != nil {
			return err
		}
		_, err = s.reconciler.HoldSucceeded(ctx, intent.ID)
		return err
	case stripe.EventTypePaymentIntentPaymentFailed:
		intent, err := decodeIntent(event)
		if err != nil {
			return err
		}
		code, message := failureDetails(intent)
		return s.reconciler.HoldFailed(ctx, intent.ID, code, message)
	case stripe.EventTypeAccountUpdated:
		var account stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode account event")
		}
		if strings.TrimSpace(account.ID) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "account id missing")
		}
		noted, err := s.reconciler.PayoutAccountUpdated(ctx, account.ID, account.PayoutsEnabled)
		if err != nil {
			return err
		}
		if noted > 0 && s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{"account_id": account.ID, "orders": noted})
			s.logg.Info(logCtx, "payout account verified for pending orders")
		}
		return nil
	default:
		return nil
	}
}

func decodeIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}
	return &intent, nil
}

func failureDetails(intent *stripe.PaymentIntent) (string, string) {
	if intent.LastPaymentError == nil {
		return "payment_failed", "payment failed"
	}
	code := string(intent.LastPaymentError.DeclineCode)
	if code == "" {
		code = string(intent.LastPaymentError.Code)
	}
	if code == "" {
		code = "payment_failed"
	}
	message := intent.LastPaymentError.Msg
	if message == "" {
		message = "payment failed"
	}
	return code, message
}
