package handler

import (
	"net/http"

	"ultraboard-sync-server/internal/config"
	"ultraboard-sync-server/internal/middleware"

	"github.com/gorilla/mux"
)

type RouterConfig struct {
	JWTSecret    string
	AdminKeyHash string
	CORS         config.CORSConfig
}

func NewRouter(cfg RouterConfig, board *BoardHandler, ws *WebSocketHandler, health *HealthHandler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(cfg.CORS))

	r.HandleFunc("/ws/lessons/{lessonId}", ws.HandleConnection).Methods(http.MethodGet)
	r.HandleFunc("/health", health.Health).Methods(http.MethodGet)

	lessons := r.PathPrefix("/api/v1/lessons/{lessonId}").Subrouter()

	protected := lessons.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	protected.HandleFunc("/board", board.GetBoard).Methods("GET", "OPTIONS")
	protected.HandleFunc("/board", board.SaveBoard).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/board", board.ClearBoard).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/operations", board.ListOperations).Methods("GET", "OPTIONS")
	protected.HandleFunc("/participants", board.ListParticipants).Methods("GET", "OPTIONS")

	admin := lessons.PathPrefix("").Subrouter()
	admin.Use(middleware.AdminKeyMiddleware(cfg.AdminKeyHash))
	admin.HandleFunc("/stats", board.Stats).Methods("GET", "OPTIONS")
	admin.HandleFunc("/operations/test", board.CreateTestOperation).Methods("POST", "OPTIONS")

	return r
}
