package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"witness_service/internal/audit"
	"witness_service/internal/config"
	"witness_service/internal/db"
	"witness_service/internal/history"
	"witness_service/internal/policy"
	"witness_service/internal/server"
	"witness_service/internal/signing"
	"witness_service/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		log.Fatalf("telemetry init failed: %v", err)
	}

	logger := log.Default()
	store, err := audit.NewStore(cfg.DataDir, logger)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}

	engine, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy load failed: %v", err)
	}

	conn, err := db.Open(ctx, cfg.HistoryDB)
	if err != nil {
		log.Fatalf("history db open failed: %v", err)
	}
	writer := db.NewWorker(conn)

	handler := &server.Handler{
		Store:  store,
		Policy: engine,
		Gateway: signing.NewGateway(signing.Options{
			Backend:            cfg.Signer,
			Binary:             cfg.SignerBinary,
			KeyPath:            cfg.KeyPath,
			AllowedSignersPath: cfg.AllowedSigners,
			KeyID:              cfg.KeyID,
			Namespace:          cfg.Namespace,
			Allowed:            cfg.AllowedPrincipals,
			Logger:             logger,
		}),
		History:            history.NewStore(conn, writer),
		SharedSecret:       cfg.SharedSecret,
		Cadence:            cfg.Cadence,
		FreshnessThreshold: cfg.FreshnessThreshold,
		SignTimeout:        cfg.SignTimeout,
		Logger:             logger,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("Witness service listening on %s (data=%s cadence=%d signer=%s)", addr, cfg.DataDir, cfg.Cadence, cfg.Signer)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server stopped: %v", err)
	}

	writer.Close()
	if err := conn.Close(); err != nil {
		log.Printf("history db close: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
}
