package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/angelmondragon/tradehold-backend/api/responses"
	pkgerrors "github.com/angelmondragon/tradehold-backend/pkg/errors"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
	"github.com/angelmondragon/tradehold-backend/pkg/types"
)

func TestRequestIDKeepsValidInboundID(t *testing.T) {
	var seen string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = responses.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(requestIDHeader, "edge-42")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if seen != "edge-42" || resp.Header().Get(requestIDHeader) != "edge-42" {
		t.Fatalf("expected inbound id kept, got ctx=%q header=%q", seen, resp.Header().Get(requestIDHeader))
	}
}

func TestRequestIDReplacesUnsafeInboundID(t *testing.T) {
	for _, bad := range []string{"has space", strings.Repeat("a", maxInboundIDLength+1), "tab\tid"} {
		handler := RequestID(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, bad)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if got := resp.Header().Get(requestIDHeader); got == bad || got == "" {
			t.Fatalf("expected %q to be replaced, got %q", bad, got)
		}
	}
}

func TestErrorBodyEchoesRequestID(t *testing.T) {
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeStateConflict, "order is disputed"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/1/release", nil)
	req.Header.Set(requestIDHeader, "trace-7")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	var body types.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.RequestID != "trace-7" || body.Error.Message != "order is disputed" {
		t.Fatalf("unexpected error body %+v", body.Error)
	}
}

func TestLoggingLevelsByStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("info"), Output: buf})

	failing := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"status":503`) {
		t.Fatalf("expected warn entry for 503, got %s", buf.String())
	}

	buf.Reset()
	probe := Logging(logg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	probe.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected probe logged below info, got %s", buf.String())
	}
}
