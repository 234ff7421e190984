package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultCurrency        = "RUB"
	defaultMinPerTransfer  = 50
	defaultMaxPerBatch     = 20000
	defaultMaxRetry        = 5
	defaultMaxRetryVerify  = 5
	defaultBaseRetryDelay  = 1000 * time.Millisecond
	defaultInterBatchDelay = 1000 * time.Millisecond

	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200

	defaultLockPrefix = "starbridge:orders"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Marketplace MarketplaceConfig
	Delivery    DeliveryConfig
	Stripe      StripeConfig
	Notify      NotifyConfig
	Fulfillment FulfillmentConfig
	Events      EventsConfig
	Redis       RedisConfig
	Webhooks    WebhookConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// MarketplaceConfig points at the FunPay bridge that exposes order,
// offer, and payment data over HTTP.
type MarketplaceConfig struct {
	BaseURL   string
	AuthToken string
	Simulated bool
}

// DeliveryConfig points at the Fragment bridge used for star transfers.
type DeliveryConfig struct {
	BaseURL   string
	AuthToken string
	Simulated bool
}

// StripeConfig holds credentials for the direct-checkout payment verifier.
type StripeConfig struct {
	APIKey string
}

// NotifyConfig configures the Telegram notification sink.
type NotifyConfig struct {
	BotToken     string
	AdminChatIDs []int64
	Disabled     bool
}

// FulfillmentConfig carries the business rules of the delivery engine.
type FulfillmentConfig struct {
	Currency        string
	MinPerTransfer  int
	MaxPerBatch     int
	MaxRetry        int
	MaxRetryVerify  int
	BaseRetryDelay  time.Duration
	InterBatchDelay time.Duration
}

// EventsConfig configures the Pub/Sub order event stream.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// RedisConfig enables the distributed single-flight lock registry.
type RedisConfig struct {
	Addr       string
	LockPrefix string
}

// WebhookConfig contains the marketplace callback signing expectations.
type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls the idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "STARS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "STARS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "STARS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "STARS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "STARS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "STARS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:   stringWithDefault(lookup, "STARS_MARKETPLACE_BASE_URL", ""),
			AuthToken: stringWithDefault(lookup, "STARS_MARKETPLACE_AUTH_TOKEN", ""),
			Simulated: boolWithDefault(lookup, "STARS_MARKETPLACE_SIMULATED", true),
		},
		Delivery: DeliveryConfig{
			BaseURL:   stringWithDefault(lookup, "STARS_DELIVERY_BASE_URL", ""),
			AuthToken: stringWithDefault(lookup, "STARS_DELIVERY_AUTH_TOKEN", ""),
			Simulated: boolWithDefault(lookup, "STARS_DELIVERY_SIMULATED", true),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "STARS_STRIPE_API_KEY", ""),
		},
		Notify: NotifyConfig{
			BotToken:     stringWithDefault(lookup, "STARS_NOTIFY_BOT_TOKEN", ""),
			AdminChatIDs: int64sWithDefault(lookup, "STARS_NOTIFY_ADMIN_CHAT_IDS"),
			Disabled:     boolWithDefault(lookup, "STARS_NOTIFY_DISABLED", false),
		},
		Fulfillment: FulfillmentConfig{
			Currency:        stringWithDefault(lookup, "STARS_FULFILLMENT_CURRENCY", defaultCurrency),
			MinPerTransfer:  intWithDefault(lookup, "STARS_FULFILLMENT_MIN_PER_TRANSFER", defaultMinPerTransfer),
			MaxPerBatch:     intWithDefault(lookup, "STARS_FULFILLMENT_MAX_PER_BATCH", defaultMaxPerBatch),
			MaxRetry:        intWithDefault(lookup, "STARS_FULFILLMENT_MAX_RETRY", defaultMaxRetry),
			MaxRetryVerify:  intWithDefault(lookup, "STARS_FULFILLMENT_MAX_RETRY_VERIFY", defaultMaxRetryVerify),
			BaseRetryDelay:  durationWithDefault(lookup, "STARS_FULFILLMENT_BASE_RETRY_DELAY", defaultBaseRetryDelay),
			InterBatchDelay: durationWithDefault(lookup, "STARS_FULFILLMENT_INTER_BATCH_DELAY", defaultInterBatchDelay),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "STARS_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "STARS_EVENTS_TOPIC", ""),
		},
		Redis: RedisConfig{
			Addr:       stringWithDefault(lookup, "STARS_REDIS_ADDR", ""),
			LockPrefix: stringWithDefault(lookup, "STARS_REDIS_LOCK_PREFIX", defaultLockPrefix),
		},
		Webhooks: WebhookConfig{
			Secret:          stringWithDefault(lookup, "STARS_WEBHOOK_SECRET", ""),
			SignatureHeader: stringWithDefault(lookup, "STARS_WEBHOOK_HEADER_SIGNATURE", defaultHMACSignatureHeader),
			TimestampHeader: stringWithDefault(lookup, "STARS_WEBHOOK_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
			NonceHeader:     stringWithDefault(lookup, "STARS_WEBHOOK_HEADER_NONCE", defaultHMACNonceHeader),
			ClockSkew:       durationWithDefault(lookup, "STARS_WEBHOOK_CLOCK_SKEW", defaultHMACClockSkew),
			NonceTTL:        durationWithDefault(lookup, "STARS_WEBHOOK_NONCE_TTL", defaultHMACNonceTTL),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "STARS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "STARS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "STARS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "STARS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Marketplace.AuthToken", &cfg.Marketplace.AuthToken},
		{"Delivery.AuthToken", &cfg.Delivery.AuthToken},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Notify.BotToken", &cfg.Notify.BotToken},
		{"Webhooks.Secret", &cfg.Webhooks.Secret},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if !cfg.Marketplace.Simulated && strings.TrimSpace(cfg.Marketplace.BaseURL) == "" {
		missing = append(missing, "Marketplace.BaseURL")
	}
	if !cfg.Delivery.Simulated && strings.TrimSpace(cfg.Delivery.BaseURL) == "" {
		missing = append(missing, "Delivery.BaseURL")
	}
	if !cfg.Notify.Disabled && strings.TrimSpace(cfg.Notify.BotToken) == "" {
		missing = append(missing, "Notify.BotToken")
	}
	if cfg.Fulfillment.MaxPerBatch <= 0 {
		missing = append(missing, "Fulfillment.MaxPerBatch")
	}
	if cfg.Fulfillment.MinPerTransfer <= 0 || cfg.Fulfillment.MinPerTransfer > cfg.Fulfillment.MaxPerBatch {
		missing = append(missing, "Fulfillment.MinPerTransfer")
	}
	if cfg.Fulfillment.MaxRetry <= 0 {
		missing = append(missing, "Fulfillment.MaxRetry")
	}
	if cfg.Fulfillment.MaxRetryVerify <= 0 {
		missing = append(missing, "Fulfillment.MaxRetryVerify")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func int64sWithDefault(lookup func(string) (string, bool), key string) []int64 {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}
