package handler

import (
	"errors"
	"log"
	"net/http"
	"time"

	"ultraboard-sync-server/internal/config"
	"ultraboard-sync-server/internal/middleware"
	"ultraboard-sync-server/internal/service"
	"ultraboard-sync-server/internal/websocket"
	"ultraboard-sync-server/pkg/jwt"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	writeWait time.Duration
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, wsCfg config.WebSocketConfig, corsCfg config.CORSConfig) *WebSocketHandler {
	if wsCfg.WriteWait <= 0 {
		wsCfg.WriteWait = 10 * time.Second
	}
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		writeWait: wsCfg.WriteWait,
		upgrader: ws.Upgrader{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(corsCfg, r.Header.Get("Origin"))
			},
		},
	}
}

// HandleConnection upgrades GET /ws/lessons/{lessonId}. The token comes from
// the query string since browsers cannot set headers on a socket handshake.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	lessonID := mux.Vars(r)["lessonId"]
	if err := service.ValidateLessonID(lessonID); err != nil {
		http.Error(w, "invalid lesson id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.BearerToken(r)
	}
	if token == "" {
		log.Printf("[WebSocket] missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		log.Printf("[WebSocket] token validation failed: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	middleware.SetRequestUser(r, claims.UserID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] failed to upgrade connection: %v", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), lessonID, claims.UserID, claims.UserName, claims.Role, conn, h.manager)

	if err := h.manager.Register(client); err != nil {
		reason := "registration failed"
		if errors.Is(err, websocket.ErrTooManyConnections) {
			reason = err.Error()
		}
		deadline := time.Now().Add(h.writeWait)
		conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.ClosePolicyViolation, reason), deadline)
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
