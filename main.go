package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/chatrooms/internal/auth"
	"github.com/pliu/chatrooms/internal/chat"
	"github.com/pliu/chatrooms/internal/config"
	"github.com/pliu/chatrooms/internal/handlers"
	"github.com/pliu/chatrooms/internal/logger"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store/sqlstore"
	"github.com/pliu/chatrooms/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], ".env")
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	store.WithLogger(log.Named("store"))

	mediaStore, err := media.NewStore(cfg.MediaDir, cfg.MediaURLPrefix, log.Named("media"))
	if err != nil {
		return err
	}

	policy := media.DefaultPolicy()
	policy.MaxBytes = cfg.MaxUploadBytes

	hub := ws.NewHub(log.Named("hub"))
	svc := chat.NewService(store, hub, mediaStore, log.Named("chat")).WithPolicy(policy)
	resolver := rooms.NewResolver(store)
	signer := auth.NewSigner([]byte(cfg.CookieSecret))

	sessionCfg := ws.SessionConfig{
		MaxFrameBytes: cfg.MaxFrameBytes,
		SendBuffer:    cfg.SendBuffer,
		RateLimit:     rate.Limit(cfg.RateLimitRPS),
		RateBurst:     cfg.RateLimitBurst,
	}
	httpLog := log.Named("http")
	r := handlers.Router(
		&handlers.AuthHandler{Store: store, Signer: signer, Log: httpLog},
		&handlers.ChatHandler{Store: store, Resolver: resolver, Chat: svc, Media: mediaStore, Policy: policy, Log: httpLog},
		&handlers.SocketHandler{
			Store:    store,
			Resolver: resolver,
			Signer:   signer,
			Sockets:  ws.NewServer(hub, svc, sessionCfg, cfg.AllowedOrigins, log.Named("ws")),
			Log:      httpLog,
		},
		signer,
		httpLog,
	)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.PathPrefix(cfg.MediaURLPrefix).Handler(
		http.StripPrefix(cfg.MediaURLPrefix, http.FileServer(http.Dir(cfg.MediaDir))),
	).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_starting", zap.String("addr", cfg.Addr), zap.String("db_driver", cfg.DBDriver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
