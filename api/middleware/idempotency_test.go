package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
)

// claimStore is a map-backed IdempotencyStore; TTLs are ignored.
type claimStore map[string]string

func (s claimStore) IdempotencyKey(scope, id string) string { return scope + "#" + id }

func (s claimStore) Get(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (s claimStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := s[key]; ok {
		return false, nil
	}
	s[key], _ = value.(string)
	return true, nil
}

func (s claimStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	s[key], _ = value.(string)
	return nil
}

func (s claimStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s, k)
	}
	return nil
}

// send runs one POST through the middleware as if chi had matched pattern.
func send(h http.Handler, pattern, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{pattern}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

func TestRouteTTLSelection(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   time.Duration
	}{
		{http.MethodPost, "/api/v1/orders", criticalIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/{orderId}/release", criticalIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/8f14e45f-ceea-4e3b-9b1b-5f3e2f7b1c11/cancel", criticalIdempotencyTTL},
		{http.MethodPost, "/api/v1/disputes/{disputeId}/resolve", criticalIdempotencyTTL},
		{http.MethodPost, "/api/admin/v1/orders/{orderId}/manual-payout", criticalIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/{orderId}/ship", defaultIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/o-1/meetup", defaultIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/o-1/meetup/confirm", defaultIdempotencyTTL},
		{http.MethodPost, "/api/v1/disputes/", defaultIdempotencyTTL},
		{http.MethodPost, "/api/v1/orders/{orderId}/verify-payment", 0},
		{http.MethodPost, "/api/v1/orders//release", 0},
		{http.MethodGet, "/api/v1/orders", 0},
		{http.MethodPost, "", 0},
	}

	for _, tt := range tests {
		ttl, ok := routeTTL(tt.method, tt.route)
		if ok != (tt.want > 0) || ttl != tt.want {
			t.Fatalf("%s %s: got ttl=%v ok=%v, want %v", tt.method, tt.route, ttl, ok, tt.want)
		}
	}
}

func TestIdempotencyRequiresKeyOnGuardedRoutes(t *testing.T) {
	reached := false
	h := Idempotency(claimStore{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }))

	resp := send(h, "/api/v1/orders", "/api/v1/orders", "", `{}`)
	if resp.Code != http.StatusBadRequest || reached {
		t.Fatalf("expected 400 before the handler, got %d reached=%v", resp.Code, reached)
	}

	resp = send(h, "/api/v1/orders/{orderId}/verify-payment", "/api/v1/orders/o-1/verify-payment", "", `{}`)
	if resp.Code != http.StatusOK || !reached {
		t.Fatalf("unguarded route should pass through, got %d", resp.Code)
	}
}

func TestIdempotencyReplaysCompletedResponse(t *testing.T) {
	calls := 0
	h := Idempotency(claimStore{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"status":"pending_payment"}}`))
	}))

	body := `{"product_id":"p-1","delivery_mode":"shipping","payment_mode":"online"}`
	first := send(h, "/api/v1/orders", "/api/v1/orders", "create-1", body)
	replay := send(h, "/api/v1/orders", "/api/v1/orders", "create-1", body)

	if first.Code != http.StatusCreated || replay.Code != http.StatusCreated {
		t.Fatalf("expected 201 twice, got %d and %d", first.Code, replay.Code)
	}
	if replay.Header().Get("Content-Type") != "application/json" || replay.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %q vs %q", replay.Body.String(), first.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestIdempotencyRejectsKeyReuseWithNewBody(t *testing.T) {
	h := Idempotency(claimStore{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	send(h, "/api/v1/disputes", "/api/v1/disputes", "d-1", `{"reason":"not_received"}`)
	resp := send(h, "/api/v1/disputes", "/api/v1/disputes", "d-1", `{"reason":"damaged"}`)

	if resp.Code != http.StatusConflict || errorCode(t, resp) != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected idempotency conflict, got %d %s", resp.Code, resp.Body.String())
	}
}

func TestIdempotencyConflictsWhileFirstRequestRuns(t *testing.T) {
	store := claimStore{}
	const pattern, path = "/api/v1/orders/{orderId}/release", "/api/v1/orders/o-1/release"

	var duplicate *httptest.ResponseRecorder
	h := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		duplicate = send(Idempotency(store, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Errorf("duplicate reached the handler")
		})), pattern, path, "rel-1", `{}`)
	}))

	if resp := send(h, pattern, path, "rel-1", `{}`); resp.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.Code)
	}
	if duplicate == nil || duplicate.Code != http.StatusConflict {
		t.Fatalf("expected the in-flight duplicate to get 409")
	}
}

func TestIdempotencyReleasesClaimOnServerError(t *testing.T) {
	statuses := []int{http.StatusServiceUnavailable, http.StatusOK}
	calls := 0
	h := Idempotency(claimStore{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(statuses[calls])
		calls++
	}))

	const pattern, path = "/api/v1/orders/{orderId}/cancel", "/api/v1/orders/o-9/cancel"
	for i, want := range statuses {
		if resp := send(h, pattern, path, "cancel-1", `{}`); resp.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i, want, resp.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected the retry after 503 to run, calls=%d", calls)
	}
}
