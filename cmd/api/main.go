package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/di"
	"github.com/hanko-field/orders/internal/handlers"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/secrets"
	platformstorage "github.com/hanko-field/orders/internal/platform/storage"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["ORDERS_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	storage, err := di.OpenStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}

	sink, closeSink, err := di.OpenEventSink(ctx, cfg.Events, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to open event sink", zap.String("driver", cfg.Events.Driver), zap.Error(err))
	}

	containerOpts := []di.Option{
		di.WithLogger(logger),
		di.WithEventSink(sink),
		di.WithCloser(closeSink),
		di.WithBuildInfo(buildInfo),
		di.WithDependencyChecks(secretManagerCheck(fetcher)),
	}
	if bucket := strings.TrimSpace(cfg.Reports.ExportsBucket); bucket != "" {
		reportStore, closeStorage, err := newReportStore(ctx, cfg.Reports)
		if err != nil {
			logger.Fatal("failed to initialise report store", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithReportWriter(reportStore), di.WithCloser(closeStorage))
	}

	container, err := di.NewContainer(ctx, cfg, storage.Registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()
	svc := container.Services

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	enforcer, err := authz.New()
	if err != nil {
		logger.Fatal("failed to initialise authorization policy", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(storage.Idempotency, cfg.Idempotency)
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		idempotency.NewSweeper(storage.Idempotency, cfg.Idempotency, logger).Run(sweeperCtx)
	}()

	webhookHandlers, err := newWebhookHandlers(logger.Named("payments"), cfg, svc.Payments)
	if err != nil {
		logger.Fatal("failed to initialise webhook handlers", zap.Error(err))
	}
	orderHandlers := handlers.NewOrderHandlers(svc.Orders, svc.Reporting, enforcer, handlers.WithOrderIdempotency(idempotencyMiddleware))
	paymentHandlers := handlers.NewPaymentHandlers(svc.Payments, enforcer, handlers.WithPaymentIdempotency(idempotencyMiddleware))
	adminOrderHandlers := handlers.NewAdminOrderHandlers(svc.Orders, svc.Reporting, enforcer)
	inventoryHandlers := handlers.NewAdminInventoryHandlers(svc.Inventory, enforcer)
	reportHandlers := handlers.NewAdminReportHandlers(svc.Reporting, enforcer)
	auditHandlers := handlers.NewAdminAuditHandlers(svc.Audit, enforcer)
	internalHandlers := handlers.NewInternalHandlers(svc.Orders, cfg.Orders.PendingTTL, cfg.Orders.ExpiryBatch)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithGroupMiddlewares(handlers.GroupOrders, authenticator.Require()),
		handlers.WithRoutes(handlers.GroupOrders, orderHandlers.Routes, paymentHandlers.OrderRoutes),
		handlers.WithGroupMiddlewares(handlers.GroupAdmin, authenticator.Require(auth.RoleStaff, auth.RoleAdmin)),
		handlers.WithRoutes(handlers.GroupAdmin,
			adminOrderHandlers.Routes,
			paymentHandlers.AdminRoutes,
			inventoryHandlers.Routes,
			reportHandlers.Routes,
			auditHandlers.Routes,
		),
		handlers.WithRoutes(handlers.GroupWebhooks, webhookHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts,
			handlers.WithGroupMiddlewares(handlers.GroupInternal, oidcMiddleware),
			handlers.WithRoutes(handlers.GroupInternal, internalHandlers.Routes),
		)
	} else {
		logger.Warn("auth: OIDC not configured; internal routes disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orders api listening",
			zap.String("storage", cfg.Storage.Driver),
			zap.String("events", cfg.Events.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopSweeper()
	<-sweeperDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:     "secretManager",
		Timeout:  time.Second,
		Optional: true,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func newReportStore(ctx context.Context, cfg config.ReportsConfig) (*platformstorage.ReportStore, func() error, error) {
	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	signer, err := newReportSigner(ctx, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("report signer: %w", err)
	}
	var opts []platformstorage.ReportStoreOption
	if signer != nil {
		opts = append(opts, platformstorage.WithSigner(signer, cfg.DownloadTTL))
	}
	store, err := platformstorage.NewReportStore(client, cfg.ExportsBucket, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client.Close, nil
}

// newReportSigner prefers a mounted key file and otherwise signs through IAM Credentials. Without
// either, exports still succeed but carry no download link.
func newReportSigner(ctx context.Context, cfg config.ReportsConfig) (platformstorage.Signer, error) {
	if keyFile := strings.TrimSpace(cfg.SignerKeyFile); keyFile != "" {
		return platformstorage.LoadKeySigner(keyFile)
	}
	if email := strings.TrimSpace(cfg.SignerEmail); email != "" {
		return platformstorage.NewIAMSigner(ctx, email)
	}
	return nil, nil
}

func newWebhookHandlers(logger *zap.Logger, cfg config.Config, paymentService services.PaymentService) (*handlers.WebhookHandlers, error) {
	opts := []handlers.WebhookOption{
		handlers.WithWebhookRateLimit(cfg.Payments.WebhookRateLimit, cfg.Payments.WebhookRateWindow),
	}
	if secret := strings.TrimSpace(cfg.Payments.StripeWebhookSecret); secret != "" {
		decoder, err := payments.NewStripeDecoder(secret, cfg.Payments.StripeTolerance)
		if err != nil {
			return nil, err
		}
		opts = append(opts, handlers.WithStripeDecoder(decoder))
	} else {
		logger.Warn("payments: stripe webhook secret not configured; stripe webhooks disabled")
	}
	if hmacMiddleware := buildHMACMiddleware(logger, cfg); hmacMiddleware != nil {
		opts = append(opts, handlers.WithGenericDecoder(payments.GenericDecoder{}, hmacMiddleware))
	} else {
		logger.Warn("payments: no hmac secret for generic webhooks; generic webhooks disabled",
			zap.String("key", cfg.Payments.GenericWebhookKey))
	}
	return handlers.NewWebhookHandlers(paymentService, opts...), nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	verifier := auth.NewOIDCVerifier(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return verifier.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	key := strings.ToLower(strings.TrimSpace(cfg.Payments.GenericWebhookKey))
	secrets := make(auth.StaticSecrets)
	for name, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(name)] = value
	}
	if key == "" || secrets[key] == "" {
		return nil
	}

	verifier := auth.NewHMACVerifier(secrets, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACWindow(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
	)
	return verifier.RequireSignature(key)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("ORDERS_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ORDERS_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("ORDERS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("ORDERS_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["ORDERS_STORAGE_DRIVER"]), config.StoragePostgres) {
		required = append(required, "Postgres.DSN")
	}
	if strings.TrimSpace(env["ORDERS_PAYMENTS_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "Payments.StripeWebhookSecret")
	}
	for _, key := range parseHMACSecretKeys(env["ORDERS_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
