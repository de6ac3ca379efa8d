package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/config"
	"github.com/CucumberKing/nye.countdown/go/internal/gateway"
	"github.com/CucumberKing/nye.countdown/go/internal/geo"
	"github.com/CucumberKing/nye.countdown/go/internal/metrics"
	"github.com/CucumberKing/nye.countdown/go/internal/party"
	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
	"github.com/CucumberKing/nye.countdown/go/internal/session"
	"github.com/CucumberKing/nye.countdown/go/internal/timesync"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Parse(os.Args[1:], version)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	content, err := config.LoadContent(cfg.ContentFile, party.DefaultContent())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load content")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPrometheusCollector(registry)

	clock := clockwork.NewRealClock()

	// Core components
	coordinator := timesync.NewCoordinator(
		cfg.TimeSync(),
		timesync.NewNTPSources(cfg.NTP.Servers, cfg.NTP.Timeout),
		clock,
		collector,
	)
	geocoder := geo.NewNominatimClient(cfg.Geocode.URL)
	geocoder.SetTimeout(cfg.Geocode.Timeout)
	if cfg.Geocode.UserAgent != "" {
		geocoder.SetHeader("User-Agent", cfg.Geocode.UserAgent)
	}
	locations := geo.NewCache(geocoder, cfg.GeoCache(), clock, collector)
	sessions := session.NewRegistry(collector)

	dispatcher := rpc.NewDispatcher(collector)
	party.NewService(coordinator, sessions, locations, content).Register(dispatcher)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.Addr = cfg.Listen
	gatewayConfig.Environment = cfg.Environment
	gatewayConfig.AllowedOrigins = cfg.CORSOrigins()
	gatewayConfig.Connection.PingInterval = cfg.WebSocket.PingInterval
	gatewayConfig.Connection.ReadTimeout = cfg.WebSocket.ReadTimeout
	gatewayConfig.Connection.WriteTimeout = cfg.WebSocket.WriteTimeout
	gatewayConfig.Connection.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	gatewayConfig.Countdown = gateway.CountdownConfig{
		TargetTS:   cfg.TargetTS,
		ImprintURL: cfg.ImprintURL,
		PrivacyURL: cfg.PrivacyURL,
	}

	service := gateway.NewService(gatewayConfig, coordinator, sessions, dispatcher, registry)

	log.Info().
		Str("version", version).
		Strs("ntp_servers", cfg.NTP.Servers).
		Strs("cors_origins", gatewayConfig.AllowedOrigins).
		Float64("target_ts", cfg.TargetTS).
		Msg("starting NYE countdown gateway")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := service.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway service failed")
	}

	log.Info().Msg("gateway shutdown complete")
}

func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
