// Package disputes freezes contested orders and applies the arbitrator's verdict.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/internal/timeline"
	dbpkg "github.com/angelmondragon/tradehold-backend/pkg/db"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderEngine interface {
	FreezeForDispute(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, actor orders.Actor, reason string) (*orders.Frozen, error)
	ReleaseHeldFunds(ctx context.Context, orderID uuid.UUID, opts orders.SettleOptions) (*orders.TransitionResult, error)
	RefundHeldFunds(ctx context.Context, orderID uuid.UUID, opts orders.SettleOptions) (*orders.TransitionResult, error)
	Get(ctx context.Context, input orders.GetInput) (*orders.OrderDetail, error)
}

type timelineRecorder interface {
	Append(ctx context.Context, tx *gorm.DB, order *models.Order, entry timeline.Entry) (*models.TimelineEntry, error)
}

type OpenInput struct {
	OrderID     uuid.UUID
	Reason      string
	Description string
	Actor       orders.Actor
}

type ResolveInput struct {
	DisputeID uuid.UUID
	Action    enums.DisputeResolution
	AdminNote *string
	Actor     orders.Actor
}

// ResolveResult carries the dispute and the settled order. Resolved is false
// when the verdict had already been applied.
type ResolveResult struct {
	Dispute  *models.Dispute
	Order    *models.Order
	Resolved bool
}

type ServiceParams struct {
	Repo     *Repository
	Orders   orderEngine
	Timeline timelineRecorder
	Tx       txRunner
	Logger   *logger.Logger
	Clock    func() time.Time
}

type Service struct {
	repo     *Repository
	orders   orderEngine
	timeline timelineRecorder
	tx       txRunner
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("disputes repository required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order engine required")
	}
	if params.Timeline == nil {
		return nil, fmt.Errorf("timeline recorder required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:     params.Repo,
		orders:   params.Orders,
		timeline: params.Timeline,
		tx:       params.Tx,
		logg:     params.Logger,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// Open freezes the order and records the dispute in one transaction. A
// second open on the same order is a conflict, never a second row.
func (s *Service) Open(ctx context.Context, input OpenInput) (*models.Dispute, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute reason is required")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if input.Actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	var dispute *models.Dispute
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		frozen, err := s.orders.FreezeForDispute(ctx, tx, input.OrderID, input.Actor, reason)
		if err != nil {
			return err
		}
		dispute = &models.Dispute{
			ID:                uuid.New(),
			OrderID:           frozen.Order.ID,
			Status:            enums.DisputeStatusOpen,
			Reason:            reason,
			Description:       strings.TrimSpace(input.Description),
			CreatedBy:         input.Actor.UserID,
			OrderStatusAtOpen: frozen.From,
			CreatedAt:         s.now(),
		}
		if err := s.repo.WithTx(tx).Create(ctx, dispute); err != nil {
			if dbpkg.IsUniqueViolation(err, openDisputeIndex) {
				return pkgerrors.New(pkgerrors.CodeConflict, "a dispute is already open for this order")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create dispute")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, dispute.OrderID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"dispute_id":  dispute.ID.String(),
			"from_status": string(dispute.OrderStatusAtOpen),
		})
		s.logg.Info(logCtx, "dispute opened")
	}
	return dispute, nil
}

// Resolve applies the arbitrator's verdict. Repeating the same verdict is a
// no-op; a different verdict on a resolved dispute is a conflict.
func (s *Service) Resolve(ctx context.Context, input ResolveInput) (*ResolveResult, error) {
	if !input.Actor.Role.CanArbitrate() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only an arbitrator can resolve disputes")
	}
	if !input.Action.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "action must be refund or release")
	}
	dispute, err := s.load(ctx, input.DisputeID)
	if err != nil {
		return nil, err
	}
	detail, err := s.orders.Get(ctx, orders.GetInput{OrderID: dispute.OrderID, Actor: input.Actor})
	if err != nil {
		return nil, err
	}
	if detail.Order.IsParticipant(input.Actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "a party to the order cannot resolve its dispute")
	}
	target := input.Action.ResolvedStatus()
	if dispute.Status.IsResolved() {
		if dispute.Status != target {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("dispute was already resolved as %s", dispute.Status))
		}
		return &ResolveResult{Dispute: dispute, Order: detail.Order}, nil
	}

	note := ""
	if input.AdminNote != nil {
		note = strings.TrimSpace(*input.AdminNote)
	}
	opts := orders.SettleOptions{
		From:   []enums.OrderStatus{enums.OrderStatusDisputed},
		Actor:  input.Actor,
		Reason: verdictReason(input.Action, note),
		Hook: func(ctx context.Context, tx *gorm.DB, order *models.Order) error {
			_, err := s.markResolved(ctx, tx, dispute, order, target, input)
			return err
		},
	}

	var res *orders.TransitionResult
	switch input.Action {
	case enums.DisputeResolutionRefund:
		opts.To = enums.OrderStatusRefunded
		res, err = s.orders.RefundHeldFunds(ctx, dispute.OrderID, opts)
	default:
		res, err = s.orders.ReleaseHeldFunds(ctx, dispute.OrderID, opts)
	}
	if err != nil {
		return nil, err
	}

	resolved := res.Transitioned
	if !resolved {
		// the order settled without the hook running; close the dispute to match
		err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var markErr error
			resolved, markErr = s.markResolved(ctx, tx, dispute, res.Order, target, input)
			return markErr
		})
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.load(ctx, dispute.ID)
	if err != nil {
		return nil, err
	}
	if updated.Status != target {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("dispute was already resolved as %s", updated.Status))
	}
	if s.logg != nil && resolved {
		logCtx := s.logg.WithOrderID(ctx, dispute.OrderID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"dispute_id": dispute.ID.String(),
			"verdict":    string(input.Action),
			"to_status":  string(res.Order.Status),
		})
		s.logg.Info(logCtx, "dispute resolved")
	}
	return &ResolveResult{Dispute: updated, Order: res.Order, Resolved: resolved}, nil
}

func (s *Service) markResolved(ctx context.Context, tx *gorm.DB, dispute *models.Dispute, order *models.Order, target enums.DisputeStatus, input ResolveInput) (bool, error) {
	var note *string
	if input.AdminNote != nil {
		trimmed := strings.TrimSpace(*input.AdminNote)
		note = &trimmed
	}
	ok, err := s.repo.WithTx(tx).MarkResolved(ctx, dispute.ID, target, input.Actor.UserID, note, s.now())
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve dispute")
	}
	if !ok {
		return false, nil
	}
	meta := map[string]any{"dispute_id": dispute.ID.String(), "verdict": string(input.Action)}
	if note != nil {
		meta["admin_note"] = *note
	}
	actor := input.Actor.UserID
	_, err = s.timeline.Append(ctx, tx, order, timeline.Entry{
		EventType:   enums.TimelineDisputeResolved,
		Description: fmt.Sprintf("Dispute resolved in favour of the %s", verdictParty(input.Action)),
		ActorID:     &actor,
		ActorRole:   input.Actor.Role,
		Metadata:    meta,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a dispute to the order's participants and to arbitrators.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor orders.Actor) (*models.Dispute, error) {
	dispute, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.orders.Get(ctx, orders.GetInput{OrderID: dispute.OrderID, Actor: actor}); err != nil {
		return nil, err
	}
	return dispute, nil
}

// ListOpen is the arbitrator work queue.
func (s *Service) ListOpen(ctx context.Context, actor orders.Actor, limit int) ([]models.Dispute, error) {
	if !actor.Role.CanArbitrate() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only an arbitrator can list disputes")
	}
	rows, err := s.repo.ListByStatus(ctx, enums.DisputeStatusOpen, pagination.NormalizeLimit(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list disputes")
	}
	return rows, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute id required")
	}
	dispute, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dispute")
	}
	return dispute, nil
}

func verdictReason(action enums.DisputeResolution, note string) string {
	reason := "Arbitrator ruled for the " + verdictParty(action)
	if note != "" {
		reason += ": " + note
	}
	return reason
}

func verdictParty(action enums.DisputeResolution) string {
	if action == enums.DisputeResolutionRefund {
		return "buyer"
	}
	return "seller"
}
