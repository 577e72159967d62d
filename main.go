package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"

	"github.com/alimasry/docloader/config"
	"github.com/alimasry/docloader/server"
	"github.com/alimasry/docloader/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	hub := server.NewHub(st,
		server.WithLogger(logger),
		server.WithDebounce(cfg.Debounce),
	)
	go hub.Run()
	defer hub.Stop()

	srv := &http.Server{Addr: *addr, Handler: server.NewHandler(hub)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)
	if cfg.FirestoreProject != "" {
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { client.Close() })
		st = store.NewFirestoreStore(client)
		logger.Info("using firestore", zap.String("project", cfg.FirestoreProject))
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	if cfg.CacheSize > 0 {
		cached, err := store.NewCachedStore(st, cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, cached.Close)
		st = cached
	}

	return st, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
