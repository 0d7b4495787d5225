package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/velora-chat/velora-backend/internal/hub"
	"github.com/velora-chat/velora-backend/internal/models"
	"github.com/velora-chat/velora-backend/internal/store"
)

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	store *store.Store
	hub   *hub.Hub
}

func NewHealthHandler(st *store.Store, h *hub.Hub) *HealthHandler {
	return &HealthHandler{store: st, hub: h}
}

func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	users := 0
	h.store.View(func(st *models.State) {
		for _, u := range st.Users {
			if !u.IsDeleted {
				users++
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"users":  users,
		"online": len(h.hub.OnlineUserIDs()),
	})
}
