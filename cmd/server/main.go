package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution_service/internal/config"
	"execution_service/internal/controller"
	"execution_service/internal/database"
	"execution_service/internal/driver"
	"execution_service/internal/heartbeat"
	"execution_service/internal/queue"
	"execution_service/internal/services"
	"execution_service/internal/storage"
	"execution_service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := services.NewStructuredLogger("judge-worker", services.INFO)
	metrics := services.NewMetricsService()
	breakers := services.NewCircuitBreakerService()

	db, err := database.NewDB(
		cfg.Database.URL,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	broker, err := queue.New(cfg.RabbitMQ)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer broker.Close()

	ctrl, err := controller.New(db)
	if err != nil {
		log.Fatalf("failed to build judge controller: %v", err)
	}
	ctrl.WithMetrics(metrics)
	ctrl.WithEventPublisher(broker)

	if cfg.MinIO.Enabled {
		cache, err := storage.NewArtifactCache(&cfg.MinIO)
		if err != nil {
			logger.Warn("artifact cache unavailable, compiling on every judge", map[string]interface{}{"error": err.Error()})
		} else {
			ctrl.WithArtifactCache(cache.WithMetrics(metrics))
		}
	}

	newDriver := func() (driver.Driver, error) {
		var drv driver.Driver
		result := breakers.ExecuteDockerOperation(context.Background(), func() error {
			d, err := driver.NewDockerDriver(
				cfg.Docker.Host,
				cfg.Judge.CompileTimeoutSec,
				cfg.Judge.CompileMemoryMb,
				cfg.Judge.TestPidsLimit,
				cfg.Judge.OutputLimitMb,
			)
			drv = d
			return err
		})
		if !result.Success {
			return nil, result.Error
		}
		return drv, nil
	}

	pool := worker.NewPool(cfg.Judge.MaxProcesses, ctrl, newDriver).WithMetrics(metrics)

	hb, err := heartbeat.New(db, pool, cfg.Judge.HeartbeatInterval, cfg.Judge.MaxProcesses)
	if err != nil {
		log.Fatalf("failed to start heartbeat: %v", err)
	}

	workLoop := worker.NewWorkLoop(db, broker, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 4)

	metricsServer := &http.Server{Addr: ":" + cfg.Metrics.Port, Handler: metrics.Handler()}
	go func() {
		logger.Info("starting metrics endpoint", map[string]interface{}{"port": cfg.Metrics.Port})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	pool.Start(ctx)

	go func() {
		logger.Info("starting judge work loop", map[string]interface{}{"workers": cfg.Judge.MaxProcesses})
		if err := workLoop.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	go func() {
		logger.Info("starting heartbeat", map[string]interface{}{"interval": cfg.Judge.HeartbeatInterval.String()})
		if err := hb.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	go reportCircuitBreakerState(ctx, breakers, metrics)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("service error, shutting down", map[string]interface{}{"error": err.Error()})
	case <-quit:
		logger.Info("shutdown signal received", nil)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("judge worker stopped", nil)
}

// reportCircuitBreakerState mirrors the three breakers' states into
// Prometheus so a dashboard can alert on a tripped breaker without
// polling the process directly.
func reportCircuitBreakerState(ctx context.Context, breakers *services.CircuitBreakerService, metrics *services.MetricsService) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, state := range breakers.GetStates() {
				value := 1.0
				if state.String() == "open" {
					value = 0.0
				}
				metrics.RecordCircuitBreakerState(name, value)
			}
		}
	}
}
