package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peerdial/peerdial/internal/config"
	"github.com/peerdial/peerdial/internal/history"
	"github.com/peerdial/peerdial/internal/relay"
	signalpkg "github.com/peerdial/peerdial/internal/signal"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.LoadRelay()
	logger.Info("relayd starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("history", cfg.HistoryPath),
	)

	opts := relay.ServerOptions{AllowedOrigins: cfg.AllowedOrigins}
	if cfg.HistoryPath != "" {
		store, err := history.New(cfg.HistoryPath)
		if err != nil {
			logger.Fatal("failed to open history store", zap.Error(err))
		}
		defer store.Close()
		opts.History = store
	}

	rs := relay.NewServer(signalpkg.NewMemory(), logger, opts)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rs.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("relay failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	rs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
