package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox"
	"github.com/angelmondragon/tradehold-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Entry describes one thing that happened to an order.
type Entry struct {
	EventType   enums.TimelineEventType
	Description string
	ActorID     *uuid.UUID
	ActorRole   enums.ActorRole
	Metadata    map[string]any
}

// Recorder appends timeline entries and mirrors each one to the order's chat
// thread through the outbox. Callers pass the transaction that carries the
// status change so both commit together.
type Recorder struct {
	repo   *Repository
	outbox outboxEmitter
	now    func() time.Time
}

func NewRecorder(repo *Repository, emitter outboxEmitter) (*Recorder, error) {
	if repo == nil {
		return nil, fmt.Errorf("timeline repository required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Recorder{
		repo:   repo,
		outbox: emitter,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append writes the entry against order as it stands after the caller's update.
func (r *Recorder) Append(ctx context.Context, tx *gorm.DB, order *models.Order, entry Entry) (*models.TimelineEntry, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "timeline append requires a transaction")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "timeline append requires an order")
	}
	if !entry.EventType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown timeline event %q", entry.EventType))
	}

	row := &models.TimelineEntry{
		ID:          uuid.New(),
		OrderID:     order.ID,
		EventType:   entry.EventType,
		Description: entry.Description,
		ActorID:     entry.ActorID,
		CreatedAt:   r.now(),
	}
	if len(entry.Metadata) > 0 {
		row.Metadata = types.Metadata(entry.Metadata)
	}
	if err := r.repo.WithTx(tx).Insert(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append timeline entry")
	}

	role := entry.ActorRole
	if role == "" {
		role = enums.ActorRoleSystem
	}
	event := outbox.DomainEvent{
		EventType:     enums.EventTimelineAppended,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{UserID: entry.ActorID, Role: string(role)},
		OccurredAt:    row.CreatedAt,
		Data: payloads.TimelineAppendedEvent{
			OrderID:     order.ID,
			EntryID:     row.ID,
			BuyerID:     order.BuyerID,
			SellerID:    order.SellerID,
			EventType:   row.EventType,
			Description: row.Description,
			Status:      order.Status,
			ActorID:     row.ActorID,
			CreatedAt:   row.CreatedAt,
		},
	}
	if err := r.outbox.Emit(ctx, tx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue timeline notification")
	}
	return row, nil
}

// List returns the order's full history.
func (r *Recorder) List(ctx context.Context, orderID uuid.UUID) ([]models.TimelineEntry, error) {
	entries, err := r.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list timeline")
	}
	return entries, nil
}

// Has reports whether the order already carries an entry of the given type.
func (r *Recorder) Has(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, eventType enums.TimelineEventType) (bool, error) {
	count, err := r.repo.WithTx(tx).CountByType(ctx, orderID, string(eventType))
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count timeline entries")
	}
	return count > 0, nil
}
