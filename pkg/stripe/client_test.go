package stripe

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

func TestNewClientValidatesCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StripeConfig
		ok   bool
	}{
		{"test key in test env", config.StripeConfig{APIKey: "sk_test_123", Secret: "whsec_1", Env: "test"}, true},
		{"restricted live key", config.StripeConfig{APIKey: "rk_live_123", Secret: "whsec_1", Env: "LIVE"}, true},
		{"live key in test env", config.StripeConfig{APIKey: "sk_live_123", Secret: "whsec_1", Env: "test"}, false},
		{"missing secret", config.StripeConfig{APIKey: "sk_test_123", Env: "test"}, false},
		{"missing key", config.StripeConfig{Secret: "whsec_1"}, false},
		{"unknown env", config.StripeConfig{APIKey: "sk_test_123", Secret: "whsec_1", Env: "staging"}, false},
	}

	for _, tt := range tests {
		client, err := NewClient(context.Background(), tt.cfg, nil)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: expected ok=%v, got err=%v", tt.name, tt.ok, err)
		}
		if tt.ok && client.SigningSecret() != "whsec_1" {
			t.Fatalf("%s: signing secret not kept", tt.name)
		}
	}
}

func TestNewClientLeavesSDKGlobalsAlone(t *testing.T) {
	before := stripe.Key
	client, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_isolated", Secret: "whsec_1", Env: "test"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if stripe.Key != before {
		t.Fatalf("package-level key changed to %q", stripe.Key)
	}
	api := client.API()
	if api == nil || api.V1PaymentIntents == nil || api.V1Transfers == nil || api.V1Refunds == nil {
		t.Fatalf("client services not initialized")
	}
}

func TestValidateAPIKeyNamesExpectedPrefixes(t *testing.T) {
	err := validateAPIKey(liveEnv, "sk_test_abc")
	if err == nil || !strings.Contains(err.Error(), "sk_live/rk_live") {
		t.Fatalf("expected live prefixes in error, got %v", err)
	}
}

func TestNilClientAccessors(t *testing.T) {
	var c *Client
	if c.API() != nil || c.Environment() != "" || c.SigningSecret() != "" {
		t.Fatalf("nil client accessors should return zero values")
	}
}

func TestLeveledLoggerDowngradesSDKErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: buf})
	l := &leveledLogger{ctx: context.Background(), logg: logg}

	l.Errorf("request failed with status %d", 503)

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "status 503") {
		t.Fatalf("expected warn entry, got %s", out)
	}
	if !strings.Contains(out, `"component":"stripe-sdk"`) {
		t.Fatalf("expected component field, got %s", out)
	}
}
