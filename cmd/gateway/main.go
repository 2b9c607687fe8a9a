// cmd/gateway runs the HTTP-to-cTrader-OpenAPI gateway process: it loads
// configuration, wires the upstream channel and KV-backed stores, and
// serves the HTTP surface defined in internal/httpapi. Lifecycle and
// signal handling follow cmd/bifrost/main.go's shape (errChan-based
// server failures racing against signal.NotifyContext, then a bounded
// graceful shutdown).
package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orbital-markets/ctrader-gateway/internal/config"
	"github.com/orbital-markets/ctrader-gateway/internal/gateway"
	"github.com/orbital-markets/ctrader-gateway/internal/httpapi"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
	"github.com/orbital-markets/ctrader-gateway/internal/oauthclient"
	"github.com/orbital-markets/ctrader-gateway/internal/protoreg"
	"github.com/orbital-markets/ctrader-gateway/internal/quotebus"
	"github.com/orbital-markets/ctrader-gateway/internal/session"
	"github.com/orbital-markets/ctrader-gateway/internal/symbols"
	"github.com/orbital-markets/ctrader-gateway/internal/tokencrypto"
	"github.com/orbital-markets/ctrader-gateway/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("gateway: config load failed")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logger.Info("gateway: starting")

	registry, err := protoreg.Load(cfg.CTraderSchemaDir, protoreg.SchemaFiles)
	if err != nil {
		logger.WithError(err).Fatal("gateway: proto schema load failed")
	}

	kvStore, err := kv.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Fatal("gateway: redis connection failed")
	}
	defer kvStore.Close()

	keyMaterial, err := tokencrypto.ParseKey(cfg.TokenEncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("gateway: token encryption key invalid")
	}
	box, err := tokencrypto.New(keyMaterial)
	if err != nil {
		logger.WithError(err).Fatal("gateway: token encryption key invalid")
	}

	sessions := session.New(kvStore, box)
	symbolsS := symbols.New(kvStore, symbols.DefaultTTL)
	bus := quotebus.New()

	conn := upstream.New(upstream.Config{
		DemoHost:     cfg.CTraderDemoHost,
		LiveHost:     cfg.CTraderLiveHost,
		Port:         cfg.CTraderPort,
		ClientID:     cfg.CTraderClientID,
		ClientSecret: cfg.CTraderClientSecret,
		Logger:       logger,
	}, registry, bus)
	conn.Start(cfg.CTraderDefaultEnv)
	defer conn.Stop()

	readyCtx, cancelReady := context.WithTimeout(context.Background(), 30*time.Second)
	if err := conn.EnsureReady(readyCtx, cfg.CTraderDefaultEnv); err != nil {
		logger.WithError(err).Warn("gateway: upstream not ready at startup, continuing to reconnect in background")
	}
	cancelReady()

	gw := gateway.New(conn, sessions, symbolsS, logger)
	oauth := oauthclient.New(cfg.CTraderClientID, cfg.CTraderClientSecret, cfg.CTraderRedirectURI, nil)
	handlers := httpapi.NewHandlers(gw, oauth, sessions, logger)

	addr := ":" + strconv.Itoa(cfg.Port)
	server := httpapi.NewServer(addr, handlers, logger, cfg.InternalAPIKey)
	errCh := server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("gateway: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("gateway: http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("gateway: http server shutdown error")
	}

	logger.Info("gateway: stopped")
}
