package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPrefix = "ORDERS_"

	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultRequestTimeout        = 20 * time.Second
	defaultLogLevel              = "info"
	defaultStorageDriver         = "firestore"
	defaultPostgresMaxConns      = 10
	defaultEventsDriver          = "log"
	defaultEventsTopic           = "orders-events"
	defaultReportDownloadTTL     = 15 * time.Minute
	defaultFirebaseVerifyTimeout = 5 * time.Second
	defaultBreakerFailures       = 5
	defaultBreakerTimeout        = 30 * time.Second
	defaultSecurityEnvironment   = "local"
	defaultOIDCJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer        = "https://accounts.google.com"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultPendingTTL            = 48 * time.Hour
	defaultExpiryBatch           = 200
	defaultLowStockThreshold     = 5
	defaultNumberPrefix          = "ORD"
	defaultNumberTimeZone        = "UTC"
	defaultReportMaxRows         = 10000
	defaultStripeTolerance       = 5 * time.Minute
	defaultWebhookRateLimit      = 600
)

// Storage drivers accepted by Storage.Driver.
const (
	StorageFirestore = "firestore"
	StoragePostgres  = "postgres"
	StorageMemory    = "memory"
)

// Event drivers accepted by Events.Driver.
const (
	EventsPubSub = "pubsub"
	EventsKafka  = "kafka"
	EventsLog    = "log"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	Storage     StorageConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Events      EventsConfig
	Payments    PaymentsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Orders      OrdersConfig
	Reports     ReportsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// LoggingConfig selects the zap level.
type LoggingConfig struct {
	Level string
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every verification also consult the Admin SDK for revoked sessions.
	CheckRevoked  bool
	VerifyTimeout time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	DatabaseID   string
	EmulatorHost string
}

// PostgresConfig configures the pgx pool used by the postgres driver.
type PostgresConfig struct {
	DSN            string
	MaxConns       int
	MigrateOnStart bool
}

// EventsConfig configures domain event publishing.
type EventsConfig struct {
	Driver          string
	ProjectID       string
	Topic           string
	KafkaBrokers    []string
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// PaymentsConfig holds webhook secrets for payment result callbacks.
type PaymentsConfig struct {
	StripeWebhookSecret string
	StripeTolerance     time.Duration
	GenericWebhookKey   string
	WebhookRateLimit    int
	WebhookRateWindow   time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// OrdersConfig tunes order lifecycle behaviour.
type OrdersConfig struct {
	NumberPrefix      string
	NumberTimeZone    string
	PendingTTL        time.Duration
	ExpiryBatch       int
	LowStockThreshold int64
}

// ReportsConfig configures summary exports.
type ReportsConfig struct {
	ExportsBucket string
	MaxRows       int
	SignerKeyFile string
	// SignerEmail signs download links through IAM Credentials when no key file is mounted.
	SignerEmail string
	DownloadTTL time.Duration
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

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	slices.Sort(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return slices.Sorted(slices.Values(e.names))
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	maps.Copy(values, options.envMap)
	return values, nil
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

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Payments.StripeWebhookSecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	env := lookupFunc(func(key string) (string, bool) {
		key = envPrefix + key
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	})

	cfg := Config{
		Server: ServerConfig{
			Port:           env.str("SERVER_PORT", defaultPort),
			ReadTimeout:    env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: env.duration("SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(env.str("LOG_LEVEL", defaultLogLevel)),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(env.str("STORAGE_DRIVER", defaultStorageDriver)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    env.boolean("FIREBASE_CHECK_REVOKED", false),
			VerifyTimeout:   env.duration("FIREBASE_VERIFY_TIMEOUT", defaultFirebaseVerifyTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			DatabaseID:   env.str("FIRESTORE_DATABASE_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:            env.str("POSTGRES_DSN", ""),
			MaxConns:       env.integer("POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			MigrateOnStart: env.boolean("POSTGRES_MIGRATE_ON_START", true),
		},
		Events: EventsConfig{
			Driver:          strings.ToLower(env.str("EVENTS_DRIVER", defaultEventsDriver)),
			ProjectID:       env.str("EVENTS_PROJECT_ID", ""),
			Topic:           env.str("EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers:    env.csv("EVENTS_KAFKA_BROKERS"),
			BreakerFailures: env.integer("EVENTS_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerTimeout:  env.duration("EVENTS_BREAKER_TIMEOUT", defaultBreakerTimeout),
		},
		Payments: PaymentsConfig{
			StripeWebhookSecret: env.str("PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			StripeTolerance:     env.duration("PAYMENTS_STRIPE_TOLERANCE", defaultStripeTolerance),
			GenericWebhookKey:   strings.ToLower(env.str("PAYMENTS_GENERIC_WEBHOOK_KEY", "payments")),
			WebhookRateLimit:    env.integer("PAYMENTS_WEBHOOK_RATE_LIMIT", defaultWebhookRateLimit),
			WebhookRateWindow:   env.duration("PAYMENTS_WEBHOOK_RATE_WINDOW", time.Minute),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.keyValues("SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.csv("SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.keyValues("SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Orders: OrdersConfig{
			NumberPrefix:      strings.ToUpper(env.str("NUMBER_PREFIX", defaultNumberPrefix)),
			NumberTimeZone:    env.str("NUMBER_TIMEZONE", defaultNumberTimeZone),
			PendingTTL:        env.duration("PENDING_TTL", defaultPendingTTL),
			ExpiryBatch:       env.integer("EXPIRY_BATCH", defaultExpiryBatch),
			LowStockThreshold: int64(env.integer("LOW_STOCK_THRESHOLD", defaultLowStockThreshold)),
		},
		Reports: ReportsConfig{
			ExportsBucket: env.str("REPORTS_EXPORTS_BUCKET", ""),
			MaxRows:       env.integer("REPORTS_MAX_ROWS", defaultReportMaxRows),
			SignerKeyFile: env.str("REPORTS_SIGNER_KEY_FILE", ""),
			SignerEmail:   env.str("REPORTS_SIGNER_EMAIL", ""),
			DownloadTTL:   env.duration("REPORTS_DOWNLOAD_TTL", defaultReportDownloadTTL),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolved := make(map[string]string)
	for _, key := range slices.Sorted(maps.Keys(cfg.Security.HMAC.Secrets)) {
		value, err := resolveSecret(ctx, cfg.Security.HMAC.Secrets[key], options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = value
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = value
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Postgres.DSN", &cfg.Postgres.DSN},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
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
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		missing = append(missing, "Logging.Level")
	}

	switch cfg.Storage.Driver {
	case StorageFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case StoragePostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
		if cfg.Postgres.MaxConns <= 0 {
			missing = append(missing, "Postgres.MaxConns")
		}
	case StorageMemory:
	default:
		missing = append(missing, "Storage.Driver")
	}

	switch cfg.Events.Driver {
	case EventsPubSub:
		if cfg.Events.ProjectID == "" {
			missing = append(missing, "Events.ProjectID")
		}
		if cfg.Events.Topic == "" {
			missing = append(missing, "Events.Topic")
		}
	case EventsKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
		if cfg.Events.Topic == "" {
			missing = append(missing, "Events.Topic")
		}
	case EventsLog:
	default:
		missing = append(missing, "Events.Driver")
	}

	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Orders.PendingTTL <= 0 {
		missing = append(missing, "Orders.PendingTTL")
	}
	if cfg.Orders.ExpiryBatch <= 0 {
		missing = append(missing, "Orders.ExpiryBatch")
	}
	if cfg.Orders.NumberPrefix == "" {
		missing = append(missing, "Orders.NumberPrefix")
	}
	if _, err := time.LoadLocation(cfg.Orders.NumberTimeZone); err != nil {
		missing = append(missing, "Orders.NumberTimeZone")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) {
			continue
		}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

type lookupFunc func(key string) (string, bool)

func (l lookupFunc) str(key, fallback string) string {
	if value, ok := l(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (l lookupFunc) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(l.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (l lookupFunc) integer(key string, fallback int) int {
	if parsed, err := strconv.Atoi(l.str(key, "")); err == nil {
		return parsed
	}
	return fallback
}

func (l lookupFunc) boolean(key string, fallback bool) bool {
	switch strings.ToLower(l.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (l lookupFunc) csv(key string) []string {
	out := []string{}
	for _, part := range strings.Split(l.str(key, ""), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// keyValues parses "a=x,b=y" into a map with lower-cased keys.
func (l lookupFunc) keyValues(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range l.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
