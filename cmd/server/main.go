package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zohaibxno18/zx-chat/internal/api"
	"github.com/zohaibxno18/zx-chat/internal/config"
	"github.com/zohaibxno18/zx-chat/internal/core"
	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}
	if err := config.AppConfig.ValidateServer(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseDriver, config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	personas, err := persona.Load(config.AppConfig.PersonasFile)
	if err != nil {
		log.Fatalf("Failed to load personas: %v", err)
	}

	// Initialize generation endpoint
	endpoint, err := core.NewEndpoint(config.AppConfig.Backend, config.AppConfig.TextModel, config.AppConfig.ImageModel)
	if err != nil {
		log.Fatalf("Failed to initialize generation endpoint: %v", err)
	}
	if c, ok := endpoint.(interface{ Close() }); ok {
		defer c.Close()
	}

	// The server has no key picker; clients supply a key through POST /api/activation.
	gate := core.NewGate(config.AppConfig.GeminiAPIKey, nil)
	generator := core.NewGenerator(endpoint, gate, personas, core.GeneratorOptions{
		HistoryTurns:      config.AppConfig.HistoryTurns,
		SearchGrounding:   config.AppConfig.SearchGrounding,
		RequestsPerMinute: config.AppConfig.GenerationRPM,
	})
	classifier := core.NewClassifier(config.AppConfig.ImageKeywords, config.AppConfig.ImagePromptMaxLen)

	// Initialize Chat service
	chatService := core.NewChatService(dbStore, generator, classifier, personas, config.AppConfig.GenerationTimeout)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, gate, personas)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Replies are streamed for up to the generation timeout.
		WriteTimeout: config.AppConfig.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s (backend %s, text model %s). Press Ctrl+C to quit.",
			serverAddr, config.AppConfig.Backend, config.AppConfig.TextModel)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
