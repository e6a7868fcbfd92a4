package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/tradehold-backend/api/responses"
	stripewebhook "github.com/angelmondragon/tradehold-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type StripeWebhookGuard interface {
	Claim(ctx context.Context, eventID string) (stripewebhook.Claim, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type StripeClient interface {
	SigningSecret() string
}

// StripeWebhook verifies and dedupes processor events before handing them to
// the escrow reconciler. Retryable failures release the claim and answer
// with an error so the processor redelivers; anything else is acknowledged,
// since redelivering it would fail the same way.
func StripeWebhook(svc StripeWebhookService, client StripeClient, guard StripeWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := webhook.ConstructEventWithOptions(payload, sigHeader, client.SigningSecret(), webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "verify signature"))
			return
		}
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": string(event.Type)})
		}

		claim, err := guard.Claim(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		switch claim {
		case stripewebhook.ClaimDone:
			responses.WriteSuccess(w, nil)
			return
		case stripewebhook.ClaimInFlight:
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "event is already being processed"))
			return
		}

		handleErr := svc.HandleEvent(ctx, &event)
		if handleErr != nil && pkgerrors.IsRetryable(handleErr) {
			if err := guard.Release(context.WithoutCancel(ctx), event.ID); err != nil && logg != nil {
				logg.Error(ctx, "release webhook claim failed", err)
			}
			responses.WriteError(ctx, logg, w, handleErr)
			return
		}
		if err := guard.Complete(context.WithoutCancel(ctx), event.ID); err != nil && logg != nil {
			logg.Error(ctx, "mark webhook event done failed", err)
		}

		if logg != nil {
			if handleErr != nil {
				logg.Warn(logg.WithField(ctx, "error", handleErr.Error()), "stripe event acknowledged without effect")
			} else {
				logg.Info(ctx, "stripe event processed")
			}
		}
		responses.WriteSuccess(w, nil)
	}
}
