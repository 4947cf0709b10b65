// internal/messaging/routes.go

package messaging

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/imadgeboyega/kiekky-realtime/internal/common/utils"
)

// RegisterRoutes registers all messaging routes
func RegisterRoutes(router *mux.Router, handler *Handler) {
	// WebSocket endpoint
	router.Handle("/ws", utils.RequireUser(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(utils.RequireUser)

	// Conversation endpoints
	api.HandleFunc("/scopes/{scope}/messages", handler.GetMessages).Methods("GET")
	api.HandleFunc("/scopes/{scope}/messages/older", handler.GetOlderMessages).Methods("GET")
	api.HandleFunc("/scopes/{scope}/messages", handler.SendMessage).Methods("POST")
	api.HandleFunc("/scopes/{scope}/messages/{id}/retry", handler.RetryMessage).Methods("POST")
	api.HandleFunc("/scopes/{scope}/messages/{id}/local", handler.DiscardMessage).Methods("DELETE")
	api.HandleFunc("/scopes/{scope}", handler.CloseConversation).Methods("DELETE")

	// Message endpoints
	api.HandleFunc("/messages/{id}", handler.EditMessage).Methods("PUT", "PATCH")
	api.HandleFunc("/messages/{id}", handler.DeleteMessage).Methods("DELETE")

	// Direct conversation helper
	api.HandleFunc("/direct/{userId}", handler.OpenDirectConversation).Methods("POST")
}
