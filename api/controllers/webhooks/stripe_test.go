package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v84"

	stripewebhook "github.com/angelmondragon/tradehold-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

const testSigningSecret = "whsec_test"

type recordingReconciler struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordingReconciler) HandleEvent(_ context.Context, event *stripe.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.ID)
	return r.err
}

func (r *recordingReconciler) handled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type signingSecret string

func (s signingSecret) SigningSecret() string { return string(s) }

// markerStore keeps claim markers in memory; TTLs are ignored.
type markerStore struct {
	mu      sync.Mutex
	markers map[string]string
}

func (s *markerStore) IdempotencyKey(scope, id string) string {
	return "th:idempotency:" + scope + ":" + id
}

func (s *markerStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.markers[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (s *markerStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[key]; ok {
		return false, nil
	}
	s.markers[key] = fmt.Sprint(value)
	return true, nil
}

func (s *markerStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[key] = fmt.Sprint(value)
	return nil
}

func (s *markerStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.markers, k)
	}
	return nil
}

type webhookHarness struct {
	reconciler *recordingReconciler
	guard      *stripewebhook.IdempotencyGuard
	handler    http.Handler
}

func newWebhookHarness(t *testing.T, handleErr error) *webhookHarness {
	t.Helper()
	guard, err := stripewebhook.NewIdempotencyGuard(&markerStore{markers: map[string]string{}}, time.Hour, "stripe-webhook")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	rec := &recordingReconciler{err: handleErr}
	return &webhookHarness{
		reconciler: rec,
		guard:      guard,
		handler:    StripeWebhook(rec, signingSecret(testSigningSecret), guard, nil),
	}
}

func (h *webhookHarness) deliver(payload []byte, signature string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp := httptest.NewRecorder()
	h.handler.ServeHTTP(resp, req)
	return resp.Code
}

// holdSucceededEvent returns a signed payment_intent.succeeded delivery.
func holdSucceededEvent(t *testing.T) (eventID string, payload []byte, signature string) {
	t.Helper()
	intent, err := json.Marshal(&stripe.PaymentIntent{
		ID:       "pi_" + uuid.NewString(),
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   108000,
		Currency: stripe.CurrencyUSD,
		Metadata: map[string]string{"order_id": uuid.NewString()},
	})
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	eventID = "evt_" + uuid.NewString()
	payload, err = json.Marshal(&stripe.Event{
		ID:         eventID,
		Object:     "event",
		Type:       stripe.EventTypePaymentIntentSucceeded,
		APIVersion: stripe.APIVersion,
		Data:       &stripe.EventData{Raw: intent},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return eventID, payload, sign(payload, testSigningSecret, time.Now())
}

func sign(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestStripeWebhookRedeliveryIsHandledOnce(t *testing.T) {
	h := newWebhookHarness(t, nil)
	_, payload, signature := holdSucceededEvent(t)

	for i := 0; i < 3; i++ {
		if code := h.deliver(payload, signature); code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, code)
		}
	}
	if got := h.reconciler.handled(); got != 1 {
		t.Fatalf("expected one handled delivery, got %d", got)
	}
}

func TestStripeWebhookRejectsBadSignatures(t *testing.T) {
	_, payload, _ := holdSucceededEvent(t)
	cases := map[string]string{
		"missing header": "",
		"garbage":        "t=1,v1=invalid",
		"wrong secret":   sign(payload, "whsec_other", time.Now()),
		"stale":          sign(payload, testSigningSecret, time.Now().Add(-time.Hour)),
	}
	for name, signature := range cases {
		h := newWebhookHarness(t, nil)
		if code := h.deliver(payload, signature); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, code)
		}
		if h.reconciler.handled() != 0 {
			t.Fatalf("%s: unverified event reached the reconciler", name)
		}
	}
}

func TestStripeWebhookFailureOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		firstCode   int
		wantHandled int
	}{
		{
			name:        "retryable failure releases the claim",
			err:         pkgerrors.New(pkgerrors.CodeDependency, "processor unavailable"),
			firstCode:   http.StatusServiceUnavailable,
			wantHandled: 2,
		},
		{
			name:        "terminal failure is acknowledged",
			err:         pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing"),
			firstCode:   http.StatusOK,
			wantHandled: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newWebhookHarness(t, tt.err)
			_, payload, signature := holdSucceededEvent(t)

			if code := h.deliver(payload, signature); code != tt.firstCode {
				t.Fatalf("first delivery: expected %d, got %d", tt.firstCode, code)
			}
			h.reconciler.err = nil
			if code := h.deliver(payload, signature); code != http.StatusOK {
				t.Fatalf("redelivery: expected 200, got %d", code)
			}
			if got := h.reconciler.handled(); got != tt.wantHandled {
				t.Fatalf("expected %d handled deliveries, got %d", tt.wantHandled, got)
			}
		})
	}
}

func TestStripeWebhookConflictsWhileClaimHeld(t *testing.T) {
	h := newWebhookHarness(t, nil)
	eventID, payload, signature := holdSucceededEvent(t)

	claim, err := h.guard.Claim(context.Background(), eventID)
	if err != nil || claim != stripewebhook.ClaimAcquired {
		t.Fatalf("expected to hold the claim, got %v %v", claim, err)
	}
	if code := h.deliver(payload, signature); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if h.reconciler.handled() != 0 {
		t.Fatalf("in-flight event must not be handled twice")
	}

	if err := h.guard.Release(context.Background(), eventID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if code := h.deliver(payload, signature); code != http.StatusOK {
		t.Fatalf("expected 200 after release, got %d", code)
	}
}
