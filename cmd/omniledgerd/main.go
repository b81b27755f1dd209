package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"omniledger/config"
	"omniledger/core"
	ledgersync "omniledger/core/sync"
	"omniledger/gateway/read"
	"omniledger/gateway/routes"
	"omniledger/gateway/transport"
	"omniledger/observability/logging"
	"omniledger/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OMNILEDGER_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("omniledgerd", env, cfg.LogFile)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ledger := core.NewLedger(cfg.ChainUID, db, logger)

	endpoints := make(map[string]string, len(cfg.RemoteChains))
	for _, remote := range cfg.RemoteChains {
		endpoints[remote.ChainUID] = remote.Endpoint
	}
	httpTransport := transport.NewHTTP(cfg.ChainUID, endpoints, cfg.Sync.ReadFeeWei, logger)
	protocol := read.NewProtocol(httpTransport, logger)
	httpTransport.Bind(protocol)
	synchronizer := ledgersync.NewSynchronizer(ledger, protocol, cfg.RemoteChainUIDs(), cfg.SyncInterval(), logger)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           routes.New(ledger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := synchronizer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("synchronizer stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("node listening",
			slog.String("chain", cfg.ChainUID),
			slog.String("address", cfg.ListenAddress),
			slog.Int("remoteChains", len(cfg.RemoteChains)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.Any("error", err))
	}
}
