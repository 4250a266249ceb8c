// licensectl runs the client-side licensing engine and exposes it over a
// small HTTP control API with a WebSocket state push.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"licensectl/internal/auth"
	"licensectl/internal/config"
	"licensectl/internal/infrastructure"
	"licensectl/internal/license"
	"licensectl/internal/middleware"
	"licensectl/internal/provisioning"
	"licensectl/internal/security"
	transporthttp "licensectl/internal/transport/http"
	"licensectl/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "licensectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLogger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer closeLogger()

	telemetry, err := infrastructure.NewTelemetry(cfg.Licensing.SoftwareVersion)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	productID, err := uuid.Parse(cfg.Licensing.ProductID)
	if err != nil {
		return fmt.Errorf("licensing product id: %w", err)
	}

	publicKeyPEM, err := os.ReadFile(cfg.Licensing.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("read signature public key: %w", err)
	}
	verifier, err := security.NewVerifier(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("parse signature public key: %w", err)
	}

	fingerprint := security.NewFingerprintManager()
	deviceID := fingerprint.DeviceID()

	cipher, err := security.NewSnapshotCipher(cfg.Licensing.SnapshotSecret, deviceID)
	if err != nil {
		return fmt.Errorf("initialize snapshot cipher: %w", err)
	}

	store, err := license.NewArtifactStore(cfg.Licensing.DataDir, verifier, cipher,
		productID, deviceID, cfg.Licensing.SoftwareVersion, logger)
	if err != nil {
		return fmt.Errorf("initialize artifact store: %w", err)
	}

	metrics, err := license.NewMetrics(telemetry.Meter)
	if err != nil {
		return fmt.Errorf("initialize licensing metrics: %w", err)
	}

	client := provisioning.NewClient(cfg.Licensing.APIBaseURL, cfg.Licensing.ProvisioningKey, logger)
	identity := auth.NewManager(filepath.Join(cfg.Licensing.DataDir, "auth.json"), logger)

	engine, err := license.NewEngine(license.EngineConfig{
		Client:          client,
		Store:           store,
		Auth:            identity,
		ProductID:       productID,
		DeviceID:        deviceID,
		OperatingSystem: fingerprint.OperatingSystem(),
		SoftwareVersion: cfg.Licensing.SoftwareVersion,
		APIBaseURL:      cfg.Licensing.APIBaseURL,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return fmt.Errorf("initialize licensing engine: %w", err)
	}
	defer engine.Close()

	hub := websocket.NewHub(websocket.Options{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		PongWait:        cfg.WebSocket.PongWait,
	}, logger)
	hub.Start()
	defer hub.Stop()

	unsubscribe := engine.Subscribe(hub.BroadcastChange)
	defer unsubscribe()

	var limiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.RPS), cfg.Security.RateLimit.Burst)
	}
	handler := transporthttp.NewLicenseHandler(engine, identity, limiter, logger)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.StructuredLogger(logger))
	router.Use(middleware.Recoverer(logger))
	router.Mount("/api/license", handler.Routes())
	router.Handle("/metrics", telemetry.PrometheusHTTP)
	router.HandleFunc("/ws", hub.ServeHTTP)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			slog.Int("port", cfg.Server.Port),
			slog.String("device_id", deviceID),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		engine.Refresh(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
