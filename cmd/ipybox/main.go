// Command ipybox runs the HTTP control plane for sandboxed code execution
// containers.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gradion-ai/ipybox/internal/common/config"
	"github.com/gradion-ai/ipybox/internal/common/httpmw"
	"github.com/gradion-ai/ipybox/internal/common/logger"
	"github.com/gradion-ai/ipybox/internal/container/docker"
	"github.com/gradion-ai/ipybox/internal/container/manager"
	"github.com/gradion-ai/ipybox/internal/mcp"
	"github.com/gradion-ai/ipybox/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env before config so env-based settings pick it up.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer func() { _ = dockerClient.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dockerClient.Ping(pingCtx); err != nil {
		log.Warn("Docker daemon unreachable, container creation will fail", zap.Error(err))
	}
	cancel()

	mgr := manager.NewManager(
		dockerClient,
		cfg.Container.CleanupIntervalDuration(),
		cfg.Container.MaxIdleTimeDuration(),
		log,
	)
	mgr.Start()

	proxy := mcp.NewProxy(
		mgr,
		cfg.Container.CleanupIntervalDuration(),
		cfg.Container.MaxIdleTimeDuration(),
		log,
	)
	proxy.Start()

	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		httpmw.RequestLogger(log, "ipybox"),
		httpmw.OtelTracing("ipybox"),
		server.CORSMiddleware(cfg.Server.CORSOriginList()),
	)

	srv := server.NewServer(cfg, mgr, proxy, log)
	srv.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// Tear down in reverse construction order, then destroy whatever
	// containers are still running.
	proxy.Stop()
	mgr.Stop()
	for _, info := range mgr.List() {
		if err := mgr.Destroy(shutdownCtx, info.ID); err != nil {
			log.WithError(err).Error("Failed to destroy container during shutdown",
				zap.String("container_id", info.ID))
		}
	}

	log.Info("Shutdown complete")
	return nil
}
