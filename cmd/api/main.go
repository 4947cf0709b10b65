// cmd/api/main.go
// Main entry point for the realtime sync service
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/common/database"
	"github.com/imadgeboyega/kiekky-realtime/internal/common/logging"
	"github.com/imadgeboyega/kiekky-realtime/internal/config"
	"github.com/imadgeboyega/kiekky-realtime/internal/realtime"
)

var startTime = time.Now()

func main() {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load configuration
	cfg := config.Load()

	// 3. Logger
	log := logging.New(cfg.LogLevel, cfg.Environment)
	log.Info().Msg("Starting Kiekky realtime sync API")
	if envErr != nil {
		log.Warn().Err(envErr).Msg("Step 1: no .env file found, using environment variables")
	} else {
		log.Info().Msg("Step 1: .env file loaded")
	}

	// 4. Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Step 4: configuration validation failed")
	}
	log.Info().Str("environment", cfg.Environment).Str("store", cfg.Store).Msg("Step 4: configuration is valid")

	ctx := context.Background()
	var deps realtime.Deps

	// 5. Connect to PostgreSQL
	if cfg.Store == "postgres" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("Step 5: failed to connect to PostgreSQL")
		}
		defer db.Close()
		deps.DB = db
		log.Info().Msg("Step 5: connected to PostgreSQL")

		// 6. Run migrations
		if cfg.RunMigrations {
			if err := database.RunMigrations(ctx, db, log); err != nil {
				log.Fatal().Err(err).Msg("Step 6: failed to run migrations")
			}
			log.Info().Msg("Step 6: database migrations completed")
		}
	} else {
		log.Warn().Msg("Step 5: using the in-memory store, data is lost on restart")
	}

	// 7. Connect to Redis (optional unless it carries the change feed)
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
		switch {
		case err == nil:
			defer client.Close()
			deps.Redis = client
			log.Info().Msg("Step 7: connected to Redis")
		case cfg.FeedTransport == "redis":
			log.Fatal().Err(err).Msg("Step 7: failed to connect to Redis")
		default:
			log.Warn().Err(err).Msg("Step 7: Redis unavailable, continuing without it")
		}
	}

	// 8. AWS session for attachment storage
	if cfg.UseS3 {
		awsSession, err := session.NewSession(&aws.Config{
			Region:      aws.String(cfg.AWSRegion),
			Credentials: credentials.NewStaticCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Step 8: AWS session creation failed, falling back to local storage")
		} else {
			deps.AWS = awsSession
		}
	}

	// 9. Realtime components
	rt, err := realtime.New(cfg, deps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Step 9: failed to start realtime components")
	}
	log.Info().Str("feed", cfg.FeedTransport).Msg("Step 9: realtime components initialized")

	// 10. Setup routes
	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	rt.Routes(router)

	router.Use(loggingMiddleware(log))
	router.Use(corsMiddleware)

	// 11. Create and start HTTP server
	// WriteTimeout is left unset so websocket connections are not cut off.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_url", cfg.BaseURL).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")

	// Graceful server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	rt.Close()

	log.Info().Msg("Server exited gracefully")
}

// healthCheck reports liveness and uptime
func healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// loggingMiddleware logs each request with its status and duration
func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Debug().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// corsMiddleware allows browser clients from any origin
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
