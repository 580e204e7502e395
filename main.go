package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/auth"
	"github.com/scanbase/scanbase/internal/blob"
	"github.com/scanbase/scanbase/internal/cache"
	"github.com/scanbase/scanbase/internal/db"
	"github.com/scanbase/scanbase/internal/device"
	"github.com/scanbase/scanbase/internal/dispatch"
	"github.com/scanbase/scanbase/internal/geo"
	"github.com/scanbase/scanbase/internal/handler"
	"github.com/scanbase/scanbase/internal/qr"
	"github.com/scanbase/scanbase/internal/queue"
	"github.com/scanbase/scanbase/internal/repo"
	"github.com/scanbase/scanbase/internal/resolver"
	"github.com/scanbase/scanbase/internal/webhook"
	"github.com/scanbase/scanbase/internal/worker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type Config struct {
	Host           string        `env:"HOST" envDefault:"localhost"`
	Port           string        `env:"PORT" envDefault:"8080"`
	BaseURL        string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	DBPath         string        `env:"DB_PATH" envDefault:"scanbase.db"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DataDir        string        `env:"DATA_DIR" envDefault:"data"`
	GeoIPPath      string        `env:"GEOIP_DB"`
	AdminCreds     string        `env:"ADMIN_CREDENTIALS"`
	JWTSecret      string        `env:"JWT_SECRET"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	Debug          bool          `env:"DEBUG"`
}

func newConfigFromEnv() (Config, error) {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.AdminCreds == "" {
		cfg.AdminCreds = "admin:admin"
		log.Warn().Msg("using default admin credentials - set ADMIN_CREDENTIALS for production")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.AdminCreds
		log.Warn().Msg("using ADMIN_CREDENTIALS as JWT_SECRET - set JWT_SECRET for production")
	}

	return cfg, nil
}

func main() {
	cfg, err := newConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration from environment")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context, cfg Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	credentials, err := auth.NewCredentials(cfg.AdminCreds)
	if err != nil {
		return fmt.Errorf("failed to parse admin credentials: %w", err)
	}

	dbInstance, err := db.Init(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbInstance.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	geoResolver, err := geo.New(cfg.GeoIPPath)
	if err != nil {
		return fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	defer geoResolver.Close()

	blobs, err := blob.NewFileStore(cfg.DataDir, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	linksRepo := repo.NewLinksRepo(dbInstance)
	scansRepo := repo.NewScanEventsRepo(dbInstance)
	leadsRepo := repo.NewLeadsRepo(dbInstance)
	jobsRepo := repo.NewBulkJobsRepo(dbInstance)

	eventQueue := queue.New(rdb)
	linkResolver := resolver.New(linksRepo, cache.NewRedisLinkCache(rdb))
	dispatcher := dispatch.New(eventQueue, blobs)
	notifier := webhook.NewNotifier(cfg.WebhookTimeout)

	scanWorker := worker.NewScanWorker(eventQueue, scansRepo, device.Class, geoResolver, notifier)
	bulkWorker := worker.NewBulkWorker(eventQueue, jobsRepo, linksRepo, blobs, qr.NewCodeRenderer(), cfg.BaseURL)
	go scanWorker.Run(ctx)
	go bulkWorker.Run(ctx)

	e := echo.New()
	defer e.Close()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = customErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	authenticator := auth.NewAuthenticator(credentials, cfg.JWTSecret)

	linkHandler := handler.NewLinkHandler(linkResolver, dispatcher, linksRepo, scansRepo, cfg.BaseURL)
	leadHandler := handler.NewLeadHandler(leadsRepo, linksRepo)
	bulkHandler := handler.NewBulkHandler(jobsRepo, eventQueue, blobs)
	assetHandler := handler.NewAssetHandler(blobs)
	tokenHandler := handler.NewTokenHandler(authenticator, credentials)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	e.POST("/token", tokenHandler.IssueToken)
	e.POST("/lead", leadHandler.SubmitLead)
	e.GET("/assets/*", assetHandler.Serve)

	api := e.Group("/api")
	api.Use(auth.NewAuthMiddleware(authenticator))
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.PATCH("/links/:id", linkHandler.UpdateLink)
	api.GET("/leads/:id", leadHandler.ListLeads)
	api.GET("/stats", linkHandler.Stats)
	api.POST("/upload", assetHandler.Upload)
	api.POST("/bulk", bulkHandler.SubmitJob)
	api.GET("/bulk/:id", bulkHandler.JobStatus)

	// Parameterized route (must be last)
	e.GET("/:slug", linkHandler.Redirect)

	log.Info().Str("host", cfg.Host).Str("port", cfg.Port).Msg("server starting")

	// Run server and handle graceful shutdown
	runServer(ctx, e, cfg.Host+":"+cfg.Port)

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, address string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(address)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM)
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func customErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "internal server error"
	isAPICall := strings.HasPrefix(c.Path(), "/api/")

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	if code >= http.StatusInternalServerError {
		log.Error().
			Int("code", code).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Err(err).
			Msg("http error")
	}

	if c.Response().Committed {
		return
	}

	if !isAPICall && code == http.StatusNotFound {
		_ = c.String(code, "Not Found")
		return
	}

	_ = c.JSON(code, map[string]any{
		"error": message,
	})
}
