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

	"github.com/richardliu001/order-service/internal/clock"
	"github.com/richardliu001/order-service/internal/config"
	"github.com/richardliu001/order-service/internal/idempotency"
	"github.com/richardliu001/order-service/internal/logger"
	"github.com/richardliu001/order-service/internal/repo"
	"github.com/richardliu001/order-service/internal/service"
	httptransport "github.com/richardliu001/order-service/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	if cfg.Server.Mode != logger.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis, optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warnf("redis ping: %v, order cache disabled", err)
			_ = rdb.Close()
			rdb = nil
		}
	}

	// 5. repo, service, coordinator
	repository := repo.NewRepository(gdb, rdb, log)
	clk := clock.NewSystem()
	svc := service.NewOrderService(repository, clk, log)
	coord := idempotency.NewCoordinator(repository, clk, log)

	// 6. gin router
	router := httptransport.NewRouter(svc, coord, cfg.RateLimit, log)

	// 7. serve until signalled
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Infof("order-server listening on %s", server.Addr)
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
		}
	case <-stopCtx.Done():
		log.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("server shutdown: %v", err)
	}
	log.Info("server stopped")
}
