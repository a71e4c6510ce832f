package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/middleware"
	"ultraboard-sync-server/internal/service"
	"ultraboard-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type BoardHandler struct {
	service  *service.BoardService
	validate *validator.Validate
}

func NewBoardHandler(service *service.BoardService) *BoardHandler {
	return &BoardHandler{
		service:  service,
		validate: validator.New(),
	}
}

func lessonID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["lessonId"]
	if err := service.ValidateLessonID(id); err != nil {
		response.BadRequest(w, "Invalid lesson id")
		return "", false
	}
	return id, true
}

func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	snap, err := h.service.LoadBoard(r.Context(), id)
	if errors.Is(err, service.ErrSnapshotNotFound) {
		response.NotFound(w, "Board not found")
		return
	}
	if err != nil {
		response.InternalError(w, "Failed to load board")
		return
	}

	response.OK(w, snap)
}

func (h *BoardHandler) SaveBoard(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	var req domain.SaveBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	snap, err := h.service.SaveBoard(r.Context(), id, req.Content)
	if err != nil {
		response.InternalError(w, "Failed to save board")
		return
	}

	response.OK(w, snap)
}

func (h *BoardHandler) ClearBoard(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	identity, _ := middleware.GetIdentity(r)
	actor := domain.Actor{UserID: identity.UserID, UserName: identity.UserName, Role: domain.Role(identity.Role)}

	if err := h.service.Clear(r.Context(), id, actor); err != nil {
		response.InternalError(w, "Failed to clear board")
		return
	}

	response.OK(w, map[string]interface{}{"lessonId": id, "cleared": true})
}

func (h *BoardHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			response.BadRequest(w, "invalid after parameter")
			return
		}
		after = n
	}

	ops, err := h.service.Operations(r.Context(), id, after)
	if err != nil {
		response.InternalError(w, "Failed to list operations")
		return
	}
	if ops == nil {
		ops = []domain.DrawOperation{}
	}

	response.OK(w, ops)
}

func (h *BoardHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	participants := h.service.Participants(r.Context(), id)
	if participants == nil {
		participants = []domain.PresenceEntry{}
	}
	response.OK(w, participants)
}

func (h *BoardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		response.InternalError(w, "Failed to collect stats")
		return
	}

	response.OK(w, stats)
}

func (h *BoardHandler) CreateTestOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := lessonID(w, r)
	if !ok {
		return
	}

	result, err := h.service.CreateTestOperation(r.Context(), id)
	if err != nil {
		response.InternalError(w, "Failed to create test operation")
		return
	}

	response.JSON(w, http.StatusCreated, result.Accepted)
}
