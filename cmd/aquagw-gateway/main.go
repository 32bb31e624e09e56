package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/config"
	"github.com/aquagw/gateway/internal/device"
	"github.com/aquagw/gateway/internal/expertclient"
	"github.com/aquagw/gateway/internal/history"
	"github.com/aquagw/gateway/internal/hub"
	"github.com/aquagw/gateway/internal/llmclient"
	"github.com/aquagw/gateway/internal/logging"
	"github.com/aquagw/gateway/internal/maintenance"
	"github.com/aquagw/gateway/internal/metrics"
	"github.com/aquagw/gateway/internal/pipeline"
	"github.com/aquagw/gateway/internal/policy"
	"github.com/aquagw/gateway/internal/session"
	"github.com/aquagw/gateway/internal/store"
	"github.com/aquagw/gateway/internal/weather"
	"github.com/aquagw/gateway/internal/wsserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Infof("starting aquagw-gateway on %s:%d", cfg.Host, cfg.Port)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	redisCache := cache.New(cfg.RedisAddr, 5*time.Minute, logger)
	defer redisCache.Close()

	sessions := session.New(st, redisCache, cfg.DefaultSessionConfig())
	hist := history.New(st, redisCache)

	llm := llmclient.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	stages := pipeline.NewStages(llm, cfg.LLMModel)

	var expert *expertclient.Client
	if cfg.ExpertAPIBaseURL != "" {
		expert = expertclient.New(cfg.ExpertAPIBaseURL, cfg.ExpertAPIKey, cfg.ExpertAPITimeout)
	}

	var weatherLookup weather.Lookup
	if cfg.EnableWeatherLookup && cfg.WeatherAPIKey != "" {
		weatherLookup = weather.NewOpenWeatherClient(cfg.WeatherAPIBaseURL, cfg.WeatherAPIKey, "en", cfg.WeatherTimeout)
	}

	var deviceController device.Controller
	if cfg.EnableDeviceControl && cfg.DeviceControlAPIBaseURL != "" {
		deviceController = device.NewHTTPController(cfg.DeviceControlAPIBaseURL, cfg.DeviceControlTimeout)
	}

	var policyEngine *policy.Engine
	if cfg.EnableDeviceControl {
		policyEngine, err = policy.NewEngine(context.Background(), policy.DefaultPolicy)
		if err != nil {
			logger.WithError(err).Fatal("failed to prepare device policy engine")
		}
	}

	metricsRegistry := metrics.New()

	orch := pipeline.New(pipeline.Config{
		ExpertStreamPolicy:       cfg.ExpertStreamPolicy,
		EnableExpertConsultation: cfg.EnableExpertConsultation,
		EnableWeatherLookup:      cfg.EnableWeatherLookup,
		EnableDeviceControl:      cfg.EnableDeviceControl,
		DefaultSystemPrompt:      cfg.DefaultSystemPrompt,
		Temperature:              cfg.LLMTemperature,
		MaxTokens:                cfg.LLMMaxTokens,
		ExpertTimeout:            cfg.ExpertAPITimeout,
		LLMTimeout:               cfg.LLMTimeout,
	}, stages, hist, sessions, st, expert, weatherLookup, policyEngine, deviceController, logger, metricsRegistry)

	connHub := hub.New(logger, metricsRegistry)
	stopHub := make(chan struct{})
	go connHub.Run(stopHub)

	sweep := maintenance.New(connHub, logger, 90*time.Second)
	if err := sweep.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start hub maintenance job")
	}

	server := wsserver.New(connHub, sessions, hist, orch, logger, cfg.InboundQueueSize, cfg.InitTimeout)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", server.HandleWebSocket)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsRegistry.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux}

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("websocket server failed")
		}
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("metrics server failed")
		}
	}()

	logger.Infof("websocket server listening on %s:%d", cfg.Host, cfg.Port)
	logger.Infof("metrics server listening on :%d/metrics", cfg.MetricsPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down aquagw-gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sweep.Stop()
	close(stopHub)

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("websocket server did not shut down cleanly")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server did not shut down cleanly")
	}

	logger.Info("aquagw-gateway stopped")
}
