// Package reconciliation brings order state in line with what the payment
// processor reports, whether the news arrives by webhook, by the buyer's
// verify call or by the periodic sweep.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

const defaultSweepLimit = 100

type orderEngine interface {
	MarkPaid(ctx context.Context, check orders.PaymentCheck) (*orders.TransitionResult, error)
	FindByHoldRef(ctx context.Context, holdRef string) (*models.Order, error)
	RecordPaymentFailure(ctx context.Context, holdRef, code, message string) error
	NotePayoutAccountVerified(ctx context.Context, sellerID uuid.UUID, accountRef string) (int, error)
	Get(ctx context.Context, input orders.GetInput) (*orders.OrderDetail, error)
}

type staleHoldLister interface {
	ListStalePendingHolds(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Order, error)
}

type profileFinder interface {
	FindByExternalAccount(ctx context.Context, accountID string) (*models.PayoutProfile, error)
}

type ServiceParams struct {
	Orders   orderEngine
	Holds    staleHoldLister
	Profiles profileFinder
	Logger   *logger.Logger
	Clock    func() time.Time
}

// Service funnels every "the hold may have succeeded" signal into the one
// shared paid transition. Concurrent signals for the same hold collapse into
// a single processor lookup.
type Service struct {
	orders   orderEngine
	holds    staleHoldLister
	profiles profileFinder
	logg     *logger.Logger
	now      func() time.Time
	flight   singleflight.Group
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Orders == nil {
		return nil, fmt.Errorf("order engine required")
	}
	if params.Holds == nil {
		return nil, fmt.Errorf("stale hold lister required")
	}
	if params.Profiles == nil {
		return nil, fmt.Errorf("payout profile finder required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		orders:   params.Orders,
		holds:    params.Holds,
		profiles: params.Profiles,
		logg:     params.Logger,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// HoldSucceeded handles a processor notification that a hold captured funds.
// Unknown holds are ignored so foreign payment intents on the account do not
// cause redelivery.
func (s *Service) HoldSucceeded(ctx context.Context, holdRef string) (*orders.TransitionResult, error) {
	order, err := s.orders.FindByHoldRef(ctx, holdRef)
	if err != nil {
		if isNotFound(err) {
			s.logSkip(ctx, holdRef, "hold does not belong to any order")
			return nil, nil
		}
		return nil, err
	}
	return s.markPaid(ctx, order.ID, holdRef, orders.PaymentSourceWebhook, orders.SystemActor())
}

// Verify is the buyer's "check my payment now" call, used when the webhook
// is slow. It asks the processor the same question the webhook path does.
func (s *Service) Verify(ctx context.Context, orderID uuid.UUID, actor orders.Actor) (*orders.TransitionResult, error) {
	detail, err := s.orders.Get(ctx, orders.GetInput{OrderID: orderID, Actor: actor})
	if err != nil {
		return nil, err
	}
	order := detail.Order
	if order.BuyerID != actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer can verify payment")
	}
	if order.PaidAt != nil {
		return &orders.TransitionResult{Order: order}, nil
	}
	if order.HoldRef == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no payment has been started for this order")
	}
	return s.markPaid(ctx, order.ID, *order.HoldRef, orders.PaymentSourceClient, actor)
}

// HoldFailed records an asynchronous decline on the order's timeline.
func (s *Service) HoldFailed(ctx context.Context, holdRef, code, message string) error {
	err := s.orders.RecordPaymentFailure(ctx, holdRef, code, message)
	if err != nil && isNotFound(err) {
		s.logSkip(ctx, holdRef, "hold does not belong to any order")
		return nil
	}
	return err
}

// PayoutAccountUpdated notes a newly usable payout account on the seller's
// pending-payout orders. The profile itself is owned elsewhere and only read.
func (s *Service) PayoutAccountUpdated(ctx context.Context, accountID string, payoutsEnabled bool) (int, error) {
	if !payoutsEnabled {
		return 0, nil
	}
	profile, err := s.profiles.FindByExternalAccount(ctx, accountID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout profile")
	}
	if profile == nil || !profile.Verified {
		return 0, nil
	}
	return s.orders.NotePayoutAccountVerified(ctx, profile.UserID, accountID)
}

// SweepResult summarizes one pass over stale pending holds.
type SweepResult struct {
	Checked  int
	Advanced int
	Pending  int
	Failed   int
}

// SweepPendingHolds re-checks holds that have waited longer than olderThan
// without a webhook arriving. Per-order failures are collected so one bad
// order does not stop the pass.
func (s *Service) SweepPendingHolds(ctx context.Context, olderThan time.Duration, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	var result SweepResult
	stale, err := s.holds.ListStalePendingHolds(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return result, fmt.Errorf("list stale holds: %w", err)
	}

	var errs error
	for _, order := range stale {
		if order.HoldRef == nil {
			continue
		}
		result.Checked++
		res, err := s.markPaid(ctx, order.ID, *order.HoldRef, orders.PaymentSourceSweep, orders.SystemActor())
		switch code := pkgerrors.CodeOf(err); {
		case err == nil:
			if res.Transitioned {
				result.Advanced++
			}
		case code == pkgerrors.CodeStateConflict:
			result.Pending++
		case code == pkgerrors.CodePaymentFailed:
			result.Failed++
		default:
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", order.ID, err))
		}
	}
	return result, errs
}

// markPaid shares one processor check among concurrent signals from the same
// source. The check runs detached from the caller that started it, so that
// caller's cancellation cannot fail the others.
func (s *Service) markPaid(ctx context.Context, orderID uuid.UUID, holdRef string, source orders.PaymentSource, actor orders.Actor) (*orders.TransitionResult, error) {
	key := holdRef + "/" + string(source)
	ch := s.flight.DoChan(key, func() (any, error) {
		return s.orders.MarkPaid(context.WithoutCancel(ctx), orders.PaymentCheck{
			OrderID:         orderID,
			ExpectedHoldRef: holdRef,
			Source:          source,
			Actor:           actor,
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*orders.TransitionResult), nil
	}
}

func (s *Service) logSkip(ctx context.Context, holdRef, msg string) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "hold_ref", holdRef), msg)
}

func isNotFound(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}
