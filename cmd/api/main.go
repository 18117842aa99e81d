package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/keyfold/server/internal/config"
	"github.com/keyfold/server/internal/db"
	"github.com/keyfold/server/internal/frost"
	httphandler "github.com/keyfold/server/internal/http"
	"github.com/keyfold/server/internal/http/handlers"
	"github.com/keyfold/server/internal/keywrap"
	"github.com/keyfold/server/internal/mailer"
	"github.com/keyfold/server/internal/recovery"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/session"
	"github.com/keyfold/server/internal/twofa"
	"github.com/pressly/goose/v3"
	_ "github.com/lib/pq"
)

func main() {
	// Load .env from CWD so it works from repo root (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repo.NewUserRepo(database)
	secretRepo := repo.NewSecretRepo(database)
	secondFactorRepo := repo.NewSecondFactorRepo(database)
	recoveryRepo := repo.NewRecoveryRepo(database)
	challengeRepo := repo.NewChallengeRepo(database)
	wrapperRepo := repo.NewWrapperRepo(database)
	contextRepo := repo.NewContextTokenRepo(database)

	// Collaborators
	jwtService := session.NewJWTService(cfg.AppSecret)
	binder := session.NewBinder(jwtService, contextRepo)
	verifier := twofa.NewVerifier(secondFactorRepo)
	keyring, err := keywrap.NewKeyring(cfg.RecoveryKeys)
	if err != nil {
		log.Fatalf("Failed to build keyring: %v", err)
	}

	// The stub engine keeps group keys in process memory; a production
	// deployment wires a real FROST coordinator here instead.
	engine := frost.NewStub()
	if !cfg.DevMode {
		log.Printf("WARNING: using in-process threshold engine; set up a FROST coordinator for production")
	}

	recoveryService := recovery.NewService(
		userRepo,
		secretRepo,
		recoveryRepo,
		challengeRepo,
		wrapperRepo,
		engine,
		engine,
		verifier,
		mailer.NewLogMailer(),
		binder,
		keyring,
	)

	recoveryHandler := handlers.NewRecoveryHandler(recoveryService)
	router := httphandler.NewRouter(recoveryHandler, jwtService, userRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
