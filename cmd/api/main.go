package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tribute/api/internal/app"
	"tribute/api/internal/config"
	"tribute/api/internal/generate"
	"tribute/api/internal/invalidate"
	"tribute/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var invalidator invalidate.Publisher = invalidate.Noop{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := invalidate.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer publisher.Close()
		invalidator = publisher
		log.Printf("Publishing cache invalidation on %s", publisher.Channel())
	}

	var generator *generate.Client
	if strings.TrimSpace(cfg.GenerationURL) != "" {
		generator = generate.New(cfg.GenerationURL, cfg.GenerationToken)
		log.Printf("Generation provider configured at %s", cfg.GenerationURL)
	}

	var service *app.Service
	if generator != nil {
		service = app.New(cfg, dataStore, invalidator, generator)
	} else {
		service = app.New(cfg, dataStore, invalidator, nil)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tribute annotation API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
