package disputes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/tradehold-backend/api/middleware"
	internaldisputes "github.com/angelmondragon/tradehold-backend/internal/disputes"
	internalorders "github.com/angelmondragon/tradehold-backend/internal/orders"
	"github.com/angelmondragon/tradehold-backend/pkg/db/models"
	"github.com/angelmondragon/tradehold-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

type stubArbiter struct {
	open    func(ctx context.Context, input internaldisputes.OpenInput) (*models.Dispute, error)
	resolve func(ctx context.Context, input internaldisputes.ResolveInput) (*internaldisputes.ResolveResult, error)
}

func (s *stubArbiter) Open(ctx context.Context, input internaldisputes.OpenInput) (*models.Dispute, error) {
	return s.open(ctx, input)
}

func (s *stubArbiter) Resolve(ctx context.Context, input internaldisputes.ResolveInput) (*internaldisputes.ResolveResult, error) {
	return s.resolve(ctx, input)
}

func (s *stubArbiter) Get(context.Context, uuid.UUID, internalorders.Actor) (*models.Dispute, error) {
	panic("not implemented")
}

func (s *stubArbiter) ListOpen(context.Context, internalorders.Actor, int) ([]models.Dispute, error) {
	return nil, nil
}

func requestAs(method, body string, actor internalorders.Actor) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
	}
	return req.WithContext(middleware.WithActor(req.Context(), actor))
}

func TestOpenCreatesDispute(t *testing.T) {
	buyer := internalorders.Actor{UserID: uuid.New(), Role: enums.ActorRoleUser}
	orderID := uuid.New()
	svc := &stubArbiter{open: func(_ context.Context, input internaldisputes.OpenInput) (*models.Dispute, error) {
		if input.OrderID != orderID || input.Actor != buyer {
			t.Fatalf("unexpected input %+v", input)
		}
		if input.Reason != "not received" {
			t.Fatalf("expected trimmed reason, got %q", input.Reason)
		}
		return &models.Dispute{
			ID:                uuid.New(),
			OrderID:           orderID,
			Status:            enums.DisputeStatusOpen,
			Reason:            input.Reason,
			CreatedBy:         buyer.UserID,
			OrderStatusAtOpen: enums.OrderStatusShipped,
		}, nil
	}}

	body := `{"order_id":"` + orderID.String() + `","reason":"  not received ","description":"tracking stalled"}`
	rec := httptest.NewRecorder()
	Open(svc, nil).ServeHTTP(rec, requestAs(http.MethodPost, body, buyer))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Data DisputeView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.OrderStatusAtOpen != enums.OrderStatusShipped {
		t.Fatalf("unexpected view %+v", payload.Data)
	}
}

func TestOpenSecondDisputeConflicts(t *testing.T) {
	svc := &stubArbiter{open: func(context.Context, internaldisputes.OpenInput) (*models.Dispute, error) {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "order already has an open dispute")
	}}
	body := `{"order_id":"` + uuid.NewString() + `","reason":"again"}`
	rec := httptest.NewRecorder()
	Open(svc, nil).ServeHTTP(rec, requestAs(http.MethodPost, body, internalorders.Actor{UserID: uuid.New(), Role: enums.ActorRoleUser}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestResolveValidatesAction(t *testing.T) {
	disputeID := uuid.New()
	admin := internalorders.Actor{UserID: uuid.New(), Role: enums.ActorRoleArbitrator}
	var captured internaldisputes.ResolveInput
	svc := &stubArbiter{resolve: func(_ context.Context, input internaldisputes.ResolveInput) (*internaldisputes.ResolveResult, error) {
		captured = input
		return &internaldisputes.ResolveResult{
			Dispute:  &models.Dispute{ID: disputeID, Status: enums.DisputeStatusResolvedRefund},
			Order:    &models.Order{ID: uuid.New(), Status: enums.OrderStatusRefunded, TotalCents: 108000},
			Resolved: true,
		}, nil
	}}

	withParam := func(req *http.Request) *http.Request {
		rc := chi.NewRouteContext()
		rc.URLParams.Add("disputeId", disputeID.String())
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	}

	rec := httptest.NewRecorder()
	Resolve(svc, nil).ServeHTTP(rec, withParam(requestAs(http.MethodPost, `{"action":"split"}`, admin)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Resolve(svc, nil).ServeHTTP(rec, withParam(requestAs(http.MethodPost, `{"action":"refund","admin_note":" lost parcel "}`, admin)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Action != enums.DisputeResolutionRefund || captured.DisputeID != disputeID {
		t.Fatalf("unexpected input %+v", captured)
	}
	if captured.AdminNote == nil || *captured.AdminNote != "lost parcel" {
		t.Fatalf("expected trimmed note")
	}

	var payload struct {
		Data struct {
			Resolved bool `json:"resolved"`
			Order    struct {
				Status string `json:"status"`
				Stage  struct {
					RefundCents int64 `json:"refund_cents"`
				} `json:"stage"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Data.Resolved || payload.Data.Order.Stage.RefundCents != 108000 {
		t.Fatalf("unexpected payload %+v", payload.Data)
	}
}
