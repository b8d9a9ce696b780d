package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Jeduardo622/AllIincompassing-sub003/internal/config"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/billing"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/booking"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/domain/reservation"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/apierr"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/auth"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/db"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/idempotency"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/middleware"
	"github.com/Jeduardo622/AllIincompassing-sub003/internal/platform/telemetry"
)

const (
	version       = "0.1.0"
	purgeInterval = time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scheduler-server",
		Short: "Therapy session scheduling and billing API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(holdsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	if cfg.DBSchema != "" {
		return cfg.DBSchema
	}
	return db.DefaultSchema
}

func holdsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holds",
		Short: "Manage reservation holds",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete holds whose expiry has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := reservation.NewService(reservation.NewStorePG(pool), nil, nil, logger, reservationConfig(cfg))
			n, err := svc.PurgeExpiredHolds(ctx)
			if err != nil {
				return fmt.Errorf("purge holds: %w", err)
			}
			fmt.Printf("Purged %d expired hold(s).\n", n)
			return nil
		},
	})
	return cmd
}

func reservationConfig(cfg *config.Config) reservation.Config {
	return reservation.Config{DefaultHoldSeconds: cfg.HoldDefaultSeconds, MaxHoldSeconds: cfg.HoldMaxSeconds}
}

// app holds everything the router needs. Fields are interfaces or services so
// tests can assemble a router without a database.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	pool     *pgxpool.Pool

	reservations *reservation.Service
	billing      *billing.Service
	bookings     *booking.Orchestrator
}

// reservationClient picks the remote reservation API when configured and the
// in-process service otherwise.
func reservationClient(cfg *config.Config, svc *reservation.Service) booking.ReservationClient {
	if cfg.ReservationAPIURL != "" {
		return reservation.NewClient(cfg.ReservationAPIURL, cfg.ReservationAPITimeout)
	}
	return reservation.NewLocalClient(svc)
}

func newIdempotencyStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (idempotency.Store, func(), error) {
	if cfg.RedisURL == "" {
		mem := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		logger.Info().Msg("idempotency keys kept in memory")
		return mem, mem.Stop, nil
	}
	client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("idempotency keys kept in redis")
	return idempotency.NewRedisStore(client, cfg.IdempotencyTTL), func() { _ = client.Close() }, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	idemStore, closeIdem, err := newIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeIdem()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	resSvc := reservation.NewService(
		reservation.NewStorePG(pool),
		idempotency.NewGuard(idemStore, logger),
		telemetry.NewReservationMetrics(reg),
		logger.With().Str("component", "reservation").Logger(),
		reservationConfig(cfg),
	)
	billSvc := billing.NewService(pool, billing.NewLineItemRepoPG(pool), telemetry.NewBillingMetrics(reg),
		logger.With().Str("component", "billing").Logger())
	orch := booking.NewOrchestrator(reservationClient(cfg, resSvc), billSvc, telemetry.NewBookingMetrics(reg),
		logger.With().Str("component", "booking").Logger())

	a := &app{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		pool:         pool,
		reservations: resSvc,
		billing:      billSvc,
		bookings:     orch,
	}
	e := a.router()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.purgeLoop(gctx, purgeInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// purgeLoop deletes expired holds until ctx is done. Expired holds never
// block bookings, so this only keeps the table small.
func (a *app) purgeLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.reservations.PurgeExpiredHolds(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("expired hold purge failed")
			}
		}
	}
}

func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.ErrorHandler(a.logger)

	httpMetrics := telemetry.NewHTTPMetrics(a.registry)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID, reservation.IdempotencyKeyHeader},
		ExposeHeaders: []string{echo.HeaderXRequestID, reservation.IdempotencyKeyHeader},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(httpMetrics.Middleware())
	e.Use(booking.MethodGuard("/api/v1" + booking.Path))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", telemetry.Handler(a.registry))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, Audience: cfg.AuthAudience, JWKSURL: cfg.AuthJWKSURL}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	reservation.NewHandler(a.reservations).RegisterRoutes(apiV1)
	booking.NewHandler(a.bookings).RegisterRoutes(apiV1)
	billing.NewHandler(a.billing).RegisterRoutes(apiV1)

	return e
}
