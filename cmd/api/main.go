package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/meridian-imaging/mlgate/internal/application"
	appanalyses "github.com/meridian-imaging/mlgate/internal/application/analyses"
	appapikeys "github.com/meridian-imaging/mlgate/internal/application/apikeys"
	"github.com/meridian-imaging/mlgate/internal/auth"
	"github.com/meridian-imaging/mlgate/internal/config"
	domanalyses "github.com/meridian-imaging/mlgate/internal/domain/analyses"
	domkeys "github.com/meridian-imaging/mlgate/internal/domain/keys"
	mysqldb "github.com/meridian-imaging/mlgate/internal/infra/db/mysql"
	pgdb "github.com/meridian-imaging/mlgate/internal/infra/db/postgres"
	"github.com/meridian-imaging/mlgate/internal/infra/httpserver"
	minioStore "github.com/meridian-imaging/mlgate/internal/infra/storage"
	"github.com/meridian-imaging/mlgate/internal/middleware"
)

func main() {
	// .env for local development; deployment injects real env vars
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "mlgate").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	ctx := context.Background()

	db, analysisRepo, keyRepo, imageStore, err := connectDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("database connect error")
	}
	defer db.Close()

	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("minio init error")
	}

	clock := application.SystemClock{}
	verifier := auth.NewVerifier(cfg.Pipeline.HMACSecret, cfg.TimestampSkew())
	resolver := auth.NewKeyResolver(keyRepo)
	dispatcher := auth.NewDispatcher(auth.ProxyConfig{
		SharedSecret: cfg.Auth.ProxySharedSecret,
		UserHeader:   cfg.Auth.UserHeader,
		SecretHeader: cfg.Auth.ProxySecretHeader,
	}, resolver, verifier, log)

	analysesSvc := &appanalyses.Service{
		Repo:                analysisRepo,
		Images:              imageStore,
		Artifacts:           store,
		Clock:               clock,
		Log:                 log,
		AllowedModels:       cfg.AllowedModels(),
		MaxAnalysesPerImage: cfg.Pipeline.MaxAnalysesPerImage,
		MaxBulkAnnotations:  cfg.Pipeline.MaxBulkAnnotations,
		MaxArtifacts:        cfg.Pipeline.MaxArtifactsPerRequest,
		PresignExpiry:       cfg.PresignExpiry(),
	}
	keysSvc := &appapikeys.Service{Repo: keyRepo, Clock: clock}

	handler := httpserver.NewRouter(httpserver.Options{
		Analyses:   analysesSvc,
		ApiKeys:    keysSvc,
		Dispatcher: dispatcher,
		Metrics:    middleware.NewMetrics(),
		Health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: db},
			"storage":  middleware.CheckerFunc(store.Healthcheck),
		},
		Log:            log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateWindow:     time.Duration(cfg.Server.RateWindowSecs) * time.Second,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down server")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// connectDatabase wires the repositories for the configured driver.
// Both dialects implement the same domain ports.
func connectDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, domanalyses.Repository, domkeys.Repository, domanalyses.ImageStore, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqldb.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return db, mysqldb.NewAnalysisRepository(db), mysqldb.NewApiKeyRepository(db), mysqldb.NewImageStore(db), nil
	case "postgres":
		db, err := pgdb.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return db, pgdb.NewAnalysisRepository(db), pgdb.NewApiKeyRepository(db), pgdb.NewImageStore(db), nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
