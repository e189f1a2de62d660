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

	"wisefido-vitals/common/logger"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-vitals")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	vitalsService, err := service.NewVitalsService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create vitals service",
			zap.Error(err),
		)
	}
	defer vitalsService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 指标端点（可选）
	var metricsServer *http.Server
	if cfg.Vitals.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(vitalsService.Metrics().Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Vitals.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("Metrics endpoint listening", zap.String("addr", cfg.Vitals.MetricsAddr))
	}

	// 6. 启动服务
	if err := vitalsService.Start(ctx); err != nil {
		log.Fatal("Failed to start vitals service",
			zap.Error(err),
		)
	}

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down",
		zap.String("signal", sig.String()),
	)
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shut down metrics server", zap.Error(err))
		}
	}

	log.Info("Vitals service stopped")
}
