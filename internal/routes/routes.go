package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/velora-chat/velora-backend/internal/handlers"
)

func SetupRoutes(r *chi.Mux, chat *handlers.ChatHandler, health *handlers.HealthHandler) {
	// Liveness probe
	r.Get("/health", health.Serve)

	// WebSocket endpoint for the realtime chat session
	r.Get("/ws", chat.ServeWS)
}
