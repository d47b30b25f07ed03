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

	"quillpad/api/internal/access"
	"quillpad/api/internal/app"
	"quillpad/api/internal/archive"
	"quillpad/api/internal/authpw"
	"quillpad/api/internal/collab"
	"quillpad/api/internal/config"
	"quillpad/api/internal/email"
	"quillpad/api/internal/identity"
	"quillpad/api/internal/search"
	"quillpad/api/internal/session"
	"quillpad/api/internal/store"
)

func main() {
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

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)
	if meiliClient != nil {
		go func() {
			docs, err := dataStore.ListAllDocuments(context.Background())
			if err != nil {
				log.Printf("search backfill skipped: %v", err)
				return
			}
			searchService.Backfill(context.Background(), docs)
		}()
	}

	resolver := access.NewResolver(dataStore, []byte(cfg.JWTSecret), cfg.InviteTTL)
	passwords := authpw.NewService(dataStore)

	service := app.NewService(app.Config{
		JWTSecret:  cfg.JWTSecret,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		InviteTTL:  cfg.InviteTTL,
		AppBaseURL: cfg.AppBaseURL,
	}, dataStore, sessions, passwords, resolver)
	service.WithSearch(searchService)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		service.WithMailer(mailer)
	}

	verifiers := identity.Chain{identity.LocalVerifier{Secret: []byte(cfg.JWTSecret)}}
	engine := collab.NewEngine(dataStore, resolver, verifiers, collab.NewRegistry())
	engine.WithIndexer(searchService)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err := archive.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: snapshot archive disabled: %v", err)
		} else {
			engine.WithArchive(snapshots)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).
		WithCollab(collab.Handler(engine, cfg.CORSOrigin))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Quillpad API listening on %s", cfg.Addr)
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
