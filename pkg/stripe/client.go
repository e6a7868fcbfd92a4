package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultTimeout = 20 * time.Second
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client carries the processor credentials for one environment. Its SDK
// client owns its own backends, so the package-level stripe.Key and backend
// stay untouched.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
}

func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, apiKey, secret, err := credentials(cfg)
	if err != nil {
		return nil, err
	}

	backends := stripe.NewBackendsWithConfig(backendConfig(ctx, cfg, logg))

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":         env,
			"stripe_max_retries": cfg.MaxNetworkRetries,
		}), "stripe client initialized")
	}

	return &Client{
		api:           stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		environment:   env,
		signingSecret: secret,
	}, nil
}

func credentials(cfg config.StripeConfig) (env, apiKey, secret string, err error) {
	if env, err = normalizeEnv(cfg.Environment()); err != nil {
		return "", "", "", err
	}
	if apiKey = strings.TrimSpace(cfg.APIKey); apiKey == "" {
		return "", "", "", errAPIKeyRequired
	}
	if secret = strings.TrimSpace(cfg.Secret); secret == "" {
		return "", "", "", errSecretRequired
	}
	if err = validateAPIKey(env, apiKey); err != nil {
		return "", "", "", err
	}
	return env, apiKey, secret, nil
}

func backendConfig(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) *stripe.BackendConfig {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := int64(cfg.MaxNetworkRetries)
	if retries < 0 {
		retries = 0
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(retries),
	}
	if logg != nil {
		bc.LeveledLogger = &leveledLogger{ctx: ctx, logg: logg}
	}
	return bc
}

func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment is "test" or "live".
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret is the webhook endpoint secret used to verify deliveries.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func normalizeEnv(raw string) (string, error) {
	switch env := strings.TrimSpace(strings.ToLower(raw)); env {
	case "":
		return testEnv, nil
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

// validateAPIKey refuses a live key in test mode and the other way round, so
// a misconfigured deploy cannot move real money from staging.
func validateAPIKey(env, key string) error {
	prefixes := map[string][]string{
		testEnv: {"sk_test", "rk_test"},
		liveEnv: {"sk_live", "rk_live"},
	}[env]
	if prefixes == nil {
		return errInvalidStripeEnv
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return nil
		}
	}
	return fmt.Errorf("stripe environment %q requires a %s secret key (%s)", env, env, strings.Join(prefixes, "/"))
}
