// Command server is the reference room server: REST API plus the comment
// push channel.
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

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/liveroom/internal/config"
	"github.com/DoyleJ11/liveroom/internal/httpapi"
	"github.com/DoyleJ11/liveroom/internal/hub"
	"github.com/DoyleJ11/liveroom/internal/logging"
	"github.com/DoyleJ11/liveroom/internal/store"
	"github.com/DoyleJ11/liveroom/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	pflag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres DSN; empty keeps rooms in memory")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pflag.BoolVar(&cfg.Dev, "dev", cfg.Dev, "console logging")
	pflag.Parse()

	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.NewHub(ctx, st, log)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(h, st, log, ws.Options{
			ReadLimit:    cfg.ReadLimit,
			WriteTimeout: cfg.WriteTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		select {
		case h.Inbox() <- hub.ShutdownHub{}:
		case <-h.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.Server, log *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
