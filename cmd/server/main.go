package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/velora-chat/velora-backend/internal/config"
	"github.com/velora-chat/velora-backend/internal/handlers"
	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/routes"
	"github.com/velora-chat/velora-backend/internal/services"
	"github.com/velora-chat/velora-backend/internal/store"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	// Open the state document
	log.Printf("Loading state from %s...", cfg.DataFile)
	st, err := store.Open(cfg.DataFile)
	if err != nil {
		log.Fatal("Failed to open state file:", err)
	}
	log.Println("✅ State loaded")

	h := hub.New()
	core := services.New(st, h)

	// Setup router
	r := chi.NewRouter()

	// Permissive CORS so OPTIONS preflight always gets 200
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	routes.SetupRoutes(r, handlers.NewChatHandler(core), handlers.NewHealthHandler(st, h))

	log.Println("📋 Registered routes:")
	log.Println("  GET  /health")
	log.Println("  GET  /ws")

	log.Printf("🚀 Chat backend running on 0.0.0.0:%s", cfg.Port)
	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, r); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
