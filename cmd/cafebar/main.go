package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/api"
	"gitub.com/matheusmosca/cafebar-storefront/internal/cart"
	"gitub.com/matheusmosca/cafebar-storefront/internal/checkout"
	"gitub.com/matheusmosca/cafebar-storefront/internal/gateway"
	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
	"gitub.com/matheusmosca/cafebar-storefront/internal/notify"
	"gitub.com/matheusmosca/cafebar-storefront/internal/settlement"
)

func main() {
	serviceName := getEnv("SERVICE_NAME", "cafebar-storefront")
	logger := newLogger(serviceName, getEnv("ENV", "dev"))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability.
	tp, err := initTracer(serviceName)
	if err != nil {
		logger.Fatal("tracer_init_failed", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("tracer_shutdown_failed", zap.Error(err))
		}
	}()
	mp, err := initMetrics(serviceName)
	if err != nil {
		logger.Fatal("metrics_init_failed", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Error("metrics_shutdown_failed", zap.Error(err))
		}
	}()

	pollCycles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_cycles_total",
		Help: "Total settlement poller cycles executed.",
	})
	paymentsSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_settled_total",
		Help: "Payments moved out of NEW, by resulting status.",
	}, []string{"status"})
	unitsRestocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inventory_units_restocked_total",
		Help: "Stock units credited back after rejection or expiry.",
	})
	prometheus.MustRegister(pollCycles, paymentsSettled, unitsRestocked)

	// Ledger store.
	store, cleanup, err := initStore(ctx, logger)
	if err != nil {
		logger.Fatal("store_init_failed", zap.Error(err))
	}
	defer cleanup()

	// Core services.
	shift, err := parseShiftStart(getEnv("SHIFT_START", "05:00"))
	if err != nil {
		logger.Fatal("bad_shift_start", zap.Error(err))
	}
	gatewayClient := gateway.NewClient(gateway.Config{
		InitURL:          getEnv("GATEWAY_INIT_URL", "http://localhost:8000/init"),
		StateURL:         getEnv("GATEWAY_STATE_URL", "http://localhost:8000/state"),
		TerminalKey:      getEnv("TERMINAL_KEY", "TinkoffBankTest"),
		TerminalPassword: getEnv("TERMINAL_PASSWORD", ""),
		Retry: gateway.RetryPolicy{
			Attempts: getEnvInt("GATEWAY_RETRY_ATTEMPTS", 3),
			Backoff:  getEnvDuration("GATEWAY_RETRY_BACKOFF", 5*time.Second),
		},
	}, logger)

	cartUC := cart.NewUseCase(store, logger)
	checkoutUC := checkout.NewUseCase(store, gatewayClient, shift, logger)
	poller := settlement.New(store, gatewayClient, notify.NewLogNotifier(logger), settlement.Config{
		Interval: getEnvDuration("POLL_INTERVAL", 2*time.Minute),
		Expiry:   getEnvDuration("PAYMENT_EXPIRY", 24*time.Hour),
	}, settlement.Metrics{
		Cycles:    pollCycles,
		Settled:   paymentsSettled,
		Restocked: unitsRestocked,
	}, logger)
	go poller.Run(ctx)

	// HTTP surface.
	handler := api.NewHandler(cartUC, checkoutUC, store, shift, parseStaffIDs(getEnv("STAFF_IDS", "")),
		tp.Tracer(serviceName), logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/menu/:category", handler.Menu)
	r.POST("/api/cart", handler.Reserve)
	r.GET("/api/cart/:user_id", handler.ShowCart)
	r.POST("/api/cart/cancel", handler.CancelCart)
	r.POST("/api/payments", handler.Pay)
	r.GET("/api/payments/:user_id", handler.PaymentHistory)

	staff := r.Group("/api", handler.StaffOnly())
	staff.POST("/products", handler.UpsertProduct)
	staff.DELETE("/products/:name", handler.DeleteProduct)
	staff.POST("/products/:name/count", handler.SetProductCount)
	staff.POST("/shift/close", handler.CloseShift)
	staff.GET("/shift/report", handler.ShiftReport)

	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		logger.Info("http_server_start", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		logger.Info("http_server_stopped")
	}
}

// initStore picks the ledger backend: Postgres by default, in-memory when
// STORE=memory (local runs without a database).
func initStore(ctx context.Context, logger *zap.Logger) (ledger.Store, func(), error) {
	if getEnv("STORE", "postgres") == "memory" {
		logger.Info("store_ready", zap.String("backend", "memory"))
		return ledger.NewMemoryStore(), func() {}, nil
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_NAME", "cafebar_db"),
	)
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Wait for the database to come up.
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			store := ledger.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			logger.Info("store_ready", zap.String("backend", "postgres"))
			return store, pool.Close, nil
		}
		logger.Info("waiting_for_database", zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, nil, errors.New("database not reachable after 30 attempts")
}

func initTracer(serviceName string) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func initMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func newLogger(service, env string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stdout"}
	cfg.InitialFields = map[string]any{
		"service": service,
		"env":     env,
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// parseShiftStart parses "HH:MM" into the shift anchor.
func parseShiftStart(value string) (checkout.ShiftConfig, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return checkout.ShiftConfig{}, fmt.Errorf("shift start %q: want HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return checkout.ShiftConfig{}, fmt.Errorf("shift start %q: bad hour", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return checkout.ShiftConfig{}, fmt.Errorf("shift start %q: bad minute", value)
	}
	return checkout.ShiftConfig{StartHour: hour, StartMinute: minute}, nil
}

// parseStaffIDs splits the space-separated staff allow-list.
func parseStaffIDs(value string) []int64 {
	var ids []int64
	for _, field := range strings.Fields(value) {
		if id, err := strconv.ParseInt(field, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
