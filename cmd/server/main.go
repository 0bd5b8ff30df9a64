package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deepatlas.gg/internal/server/config"
	"deepatlas.gg/internal/server/floorstate"
	"deepatlas.gg/internal/server/httpapi"
	"deepatlas.gg/internal/server/service"
	"deepatlas.gg/internal/server/store"
	"deepatlas.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/server.yaml", "server config path")
		dbPath     = flag.String("db", "", "sqlite database path (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	secret := strings.TrimSpace(cfg.JWTSecret)
	if env := strings.TrimSpace(os.Getenv("DA_JWT_SECRET")); env != "" {
		secret = env
	}
	if secret == "" {
		logger.Fatalf("no jwt secret configured (set jwt_secret or DA_JWT_SECRET)")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	territories := make(map[uint16]string, len(cfg.Territories))
	for _, t := range cfg.Territories {
		territories[t.Type] = t.Name
	}
	if len(territories) == 0 {
		logger.Printf("warning: no territories configured; every sync request will be rejected")
	}

	cache := floorstate.New(st)
	svc := service.New(cache, st, logger, service.Options{
		Territories:         territories,
		StatisticsAccounts:  cfg.StatisticsAccounts,
		MaxMarkersPerUpload: cfg.MaxMarkersPerUpload,
	})
	wsServer := ws.NewServer(svc, []byte(secret), logger)
	router := httpapi.New(svc, cache, wsServer, []byte(secret),
		time.Duration(cfg.TokenExpiryHours)*time.Hour, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s (%d territories)", cfg.Addr, len(territories))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
