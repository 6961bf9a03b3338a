package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/marketplace-settlement/pkg/config"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

const (
	EnvTest = "test"
	EnvLive = "live"

	defaultTolerance = webhook.DefaultTolerance
)

var (
	errAPIKeyRequired = errors.New("stripe api key is required")
	errSecretRequired = errors.New("stripe webhook secret is required")
	errUnknownEnv     = fmt.Errorf("stripe environment must be %q or %q", EnvTest, EnvLive)
	errNotInitialized = errors.New("stripe client not initialized")
)

// keyPrefixes lists the secret and restricted key prefixes accepted per env.
var keyPrefixes = map[string][]string{
	EnvTest: {"sk_test_", "rk_test_"},
	EnvLive: {"sk_live_", "rk_live_"},
}

// Client installs the API backend for the stripe resource packages and owns
// webhook verification. Only one Client should exist per process.
type Client struct {
	env       string
	secret    string
	tolerance time.Duration
}

func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errUnknownEnv
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errSecretRequired
	}
	if !hasAnyPrefix(key, prefixes) {
		return nil, fmt.Errorf("stripe %s environment requires a %s key", env, strings.Join(prefixes, " or "))
	}

	backendCfg := &stripe.BackendConfig{LeveledLogger: leveledLogger{logg: logg, ctx: context.WithoutCancel(ctx)}}
	if cfg.MaxNetworkRetries >= 0 {
		backendCfg.MaxNetworkRetries = stripe.Int64(int64(cfg.MaxNetworkRetries))
	}
	stripe.Key = key
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg))

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")
	}
	return &Client{env: env, secret: secret, tolerance: tolerance}, nil
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.env
}

// VerifyPayload checks a Stripe-Signature header against the webhook secret
// and rejects signatures older than the configured tolerance.
func (c *Client) VerifyPayload(payload []byte, header string) error {
	if c == nil || c.secret == "" {
		return errNotInitialized
	}
	return webhook.ValidatePayloadWithTolerance(payload, header, c.secret, c.tolerance)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// leveledLogger sends stripe-go's request logging to the service logger.
// Debug and info lines are demoted to debug.
type leveledLogger struct {
	logg *logger.Logger
	ctx  context.Context
}

func (l leveledLogger) Debugf(format string, v ...any) {
	l.debug(format, v...)
}

func (l leveledLogger) Infof(format string, v ...any) {
	l.debug(format, v...)
}

func (l leveledLogger) Warnf(format string, v ...any) {
	if l.logg != nil {
		l.logg.Warn(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
	}
}

func (l leveledLogger) Errorf(format string, v ...any) {
	if l.logg != nil {
		l.logg.Error(l.ctx, "stripe: "+fmt.Sprintf(format, v...), nil)
	}
}

func (l leveledLogger) debug(format string, v ...any) {
	if l.logg != nil {
		l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
	}
}
