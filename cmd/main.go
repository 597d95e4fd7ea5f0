package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"docxpdf/internal/clock"
	"docxpdf/internal/config"
	"docxpdf/internal/converter"
	"docxpdf/internal/domain"
	"docxpdf/internal/handler"
	"docxpdf/internal/logger"
	"docxpdf/internal/metrics"
	"docxpdf/internal/repository"
	"docxpdf/internal/service"
	"docxpdf/internal/service/s3"
	"docxpdf/internal/session"
)

func connectWithRetry(log *zap.Logger, cfg config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	dsn := cfg.GetDSN()

	// Сначала подключаемся к базе postgres (системная база, которая всегда существует)
	pgDSN := strings.Replace(dsn, "dbname="+cfg.Name, "dbname=postgres", 1)
	pgDB, err := sqlx.Connect("postgres", pgDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer pgDB.Close()

	// Проверяем, существует ли база журнала
	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		log.Info("database does not exist, creating", zap.String("database", cfg.Name))
		if _, err = pgDB.Exec(fmt.Sprintf("CREATE DATABASE %q", cfg.Name)); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}

		log.Warn("failed to connect to database",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(log *zap.Logger, cfg config.DatabaseConfig) error {
	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://migrations", cfg.MigrateURL())
		if err == nil {
			break
		}
		log.Warn("failed to create migrate instance", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn("found dirty database state, forcing version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// openLedger подключает журнал платежей, если задана база данных
func openLedger(log *zap.Logger, cfg config.DatabaseConfig) (service.Ledger, *sqlx.DB, error) {
	if !cfg.LedgerEnabled() {
		log.Info("payment ledger disabled")
		return service.NopLedger{}, nil, nil
	}

	db, err := connectWithRetry(log, cfg, 5, time.Second*5)
	if err != nil {
		return nil, nil, err
	}

	if err := runMigrations(log, cfg); err != nil {
		db.Close()
		return nil, nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return repository.NewPaymentRepository(db), db, nil
}

// openArchives выбирает хранилище архивов: S3, если есть .s3.env, иначе локальный диск
func openArchives(ctx context.Context, log *zap.Logger, path string) (service.ArchiveStore, error) {
	if _, err := os.Stat(path); err != nil {
		log.Info("archive mirror disabled, serving archives from local disk")
		return service.LocalArchiveStore{}, nil
	}

	s3Config, err := s3.NewConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	s3Client, err := s3.NewClient(ctx, s3Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	log.Info("archive mirror enabled", zap.String("bucket", s3Config.Bucket))
	return service.NewS3ArchiveStore(s3Client, s3Config.Prefix, log), nil
}

func main() {
	// Загружаем конфигурацию
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(appConfig.Log.Level, appConfig.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(appConfig.Server.WorkDir, 0o700); err != nil {
		log.Fatal("failed to create work dir", zap.String("dir", appConfig.Server.WorkDir), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, db, err := openLedger(log, appConfig.Database)
	if err != nil {
		log.Fatal("failed to open payment ledger", zap.Error(err))
	}

	archives, err := openArchives(ctx, log, ".s3.env")
	if err != nil {
		log.Fatal("failed to open archive store", zap.Error(err))
	}

	m := metrics.New(nil)
	clk := clock.SystemClock{}

	// Инициализация сессий и конвертера
	store := session.NewMemoryStore(session.Config{
		TTL:   appConfig.Session.TTL,
		Grace: appConfig.Session.Grace,
	}, clk, service.NewReleaser(archives, m, log), log)

	renderer := converter.NewSofficeRenderer(appConfig.Converter.Binary, log)
	if err := renderer.Available(); err != nil {
		log.Warn("converter binary not found, conversions will fail until it is installed",
			zap.String("binary", appConfig.Converter.Binary), zap.Error(err))
	}
	adapter := converter.NewAdapter(renderer, converter.PDFPageCounter{}, converter.Config{
		Timeout:    appConfig.Converter.Timeout,
		Workers:    appConfig.Converter.Workers,
		Extensions: appConfig.Converter.Extensions,
	}, log)

	broker := service.NewRazorpayBroker(service.RazorpayConfig{
		KeyID:     appConfig.Payment.KeyID,
		KeySecret: appConfig.Payment.KeySecret,
		BaseURL:   appConfig.Payment.BaseURL,
	}, clk, log)
	if !appConfig.PaymentsEnabled() {
		log.Warn("payment provider is not configured, batches over the free tier will be refused")
	}

	workflow := service.NewWorkflowService(service.WorkflowConfig{
		WorkDir:        appConfig.Server.WorkDir,
		MaxBatchFiles:  appConfig.Server.MaxBatchFiles,
		MaxUploadBytes: appConfig.Server.MaxUploadMB << 20,
		PriceAmount:    appConfig.Payment.AmountMinor,
		Currency:       appConfig.Payment.Currency,
		SweepInterval:  appConfig.Session.SweepInterval,
	}, service.WorkflowDeps{
		Converter: adapter,
		Quota: service.NewQuotaEvaluator(domain.QuotaLimits{
			MaxFiles:      appConfig.Free.MaxFiles,
			MaxTotalBytes: appConfig.Free.MaxMB << 20,
			MaxPages:      appConfig.Free.MaxPages,
		}),
		Broker:     broker,
		Verifier:   service.NewPaymentVerifier(appConfig.Payment.KeySecret),
		Store:      store,
		Archives:   archives,
		Ledger:     ledger,
		Thumbnails: converter.NewThumbnailer(appConfig.Converter.Thumbnailer),
		Metrics:    m,
		Clock:      clk,
		Logger:     log,
	})
	// Директории пакетов от предыдущего запуска принадлежат уже несуществующим сессиям
	if _, err := workflow.ReclaimStale(); err != nil {
		log.Fatal("failed to reclaim stale work dirs", zap.Error(err))
	}
	workflow.StartSweeper(ctx)

	// Инициализация хендлеров
	conversionHandler := handler.NewConversionHandler(workflow, appConfig.Server.BaseURL, appConfig.Server.MaxUploadMB<<20, log)
	paymentHandler := handler.NewPaymentHandler(workflow, appConfig.Server.BaseURL, log)
	downloadHandler := handler.NewDownloadHandler(workflow, log)
	quotaHandler := handler.NewQuotaHandler(workflow)

	// Настройка HTTP роутера
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// HTTP маршруты
	r.Route("/v1", func(r chi.Router) {
		r.Post("/convert", conversionHandler.Convert)
		r.Post("/payments/verify", paymentHandler.Verify)
		r.Get("/download/{token}", downloadHandler.Download)
		r.Get("/quota", quotaHandler.GetQuotaInfo)

		r.Route("/sessions/{token}", func(r chi.Router) {
			r.Get("/", conversionHandler.GetStatus)
			r.Get("/preview/{index}", conversionHandler.GetPreview)
		})
	})

	// gRPC сервер отдает только health check для балансировщика
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Запускаем gRPC сервер
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			log.Fatal("failed to listen for gRPC", zap.Error(err))
		}
		log.Info("starting gRPC server", zap.String("port", appConfig.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	// Запускаем HTTP сервер
	go func() {
		log.Info("starting HTTP server", zap.String("port", appConfig.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	log.Info("shutting down servers")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server forced to shutdown", zap.Error(err))
	}

	grpcServer.GracefulStop()

	// Освобождаем временные файлы всех живых сессий
	workflow.Shutdown(shutdownCtx)

	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn("error closing database connection", zap.Error(err))
		}
	}

	log.Info("server exited properly")
}
