// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certen/settlement/pkg/config"
	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/issuerclient"
	"github.com/certen/settlement/pkg/server"
	"github.com/certen/settlement/pkg/store"
	"github.com/certen/settlement/pkg/vendor"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay file")
	flag.Parse()

	logger := log.New(log.Writer(), "[Vendord] ", log.LstdFlags)

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	cfg.Role = "vendor"
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	vendorKey, err := loadOrGenerateKey(cfg.PrivateKeyPath, logger)
	if err != nil {
		logger.Fatalf("load vendor key: %v", err)
	}
	vendorPubDERB64, err := cryptoenv.MarshalPublicKeyDER(&vendorKey.PublicKey)
	if err != nil {
		logger.Fatalf("marshal vendor public key: %v", err)
	}

	ctx := context.Background()

	channels, closeStore, err := openVendorStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer closeStore()

	issuerClient := issuerclient.New(cfg.IssuerBaseURL,
		issuerclient.WithTimeout(cfg.IssuerClientTimeout),
		issuerclient.WithLogger(log.New(log.Writer(), "[IssuerClient] ", log.LstdFlags)),
	)

	svc := vendor.NewService(channels, issuerClient, vendorKey, vendorPubDERB64, log.New(log.Writer(), "[Vendor] ", log.LstdFlags))
	handlers := server.NewVendorHandlers(svc, log.New(log.Writer(), "[VendorAPI] ", log.LstdFlags))

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.CORS(cfg.CORSOrigins, mux),
	}

	go func() {
		logger.Printf("vendor listening on %s (issuer: %s, store backend: %s)", cfg.ListenAddr, cfg.IssuerBaseURL, cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func loadOrGenerateKey(path string, logger *log.Logger) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Printf("no PRIVATE_KEY_PATH set, generating an ephemeral key (development only)")
		return cryptoenv.GenerateKey()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cryptoenv.LoadPrivateKeyPEM(raw)
}

func openVendorStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (store.VendorChannelRepo, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, store.WithLogger(log.New(log.Writer(), "[Store] ", log.LstdFlags)))
		if err != nil {
			return nil, nil, err
		}
		if err := db.MigrateUp(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db.VendorChannels(), func() { db.Close() }, nil
	case "dev":
		kv, err := store.OpenDevKV("vendord", cfg.DevStorePath)
		if err != nil {
			return nil, nil, err
		}
		dev := store.NewDevStore(kv)
		return dev.VendorChannels(), func() { kv.Close() }, nil
	default:
		logger.Fatalf("unrecognized store backend %q", cfg.StoreBackend)
		return nil, nil, nil
	}
}
