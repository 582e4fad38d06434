package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/middleware"
	"github.com/marketlive/internal/repository"
	"github.com/marketlive/internal/ws"
)

type ChatHandler struct {
	chatRepo  *repository.ChatRepository
	msgRepo   *repository.MessageRepository
	userRepo  *repository.UserRepository
	storeRepo *repository.StoreRepository
	hub       *ws.Hub
}

func NewChatHandler(chatRepo *repository.ChatRepository, msgRepo *repository.MessageRepository, userRepo *repository.UserRepository, storeRepo *repository.StoreRepository, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, msgRepo: msgRepo, userRepo: userRepo, storeRepo: storeRepo, hub: hub}
}

// List returns the caller's chats, newest activity first. Display snapshots
// missing on legacy rows are healed from the canonical store/user rows.
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.chatRepo.ListForUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("chat list user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	for i := range chats {
		if err := h.chatRepo.HealSnapshots(r.Context(), &chats[i]); err != nil {
			logger.Errorf("chat heal snapshots chat=%s: %v", chats[i].ID, err)
		}
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	StoreID string `json:"store_id"`
}

// Create opens (or returns) the chat between the calling customer and a
// store. When a new chat appears both sides get a join_new_chat event and
// their live connections are put into the room right away.
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.StoreID == "" {
		writeError(w, http.StatusBadRequest, "store_id is required")
		return
	}
	userID := middleware.GetUserID(r.Context())

	store, err := h.storeRepo.GetByID(r.Context(), req.StoreID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		logger.Errorf("chat create get store=%s: %v", req.StoreID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if store.OwnerID == userID {
		writeError(w, http.StatusBadRequest, "cannot open a chat with your own store")
		return
	}
	customer, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		logger.Errorf("chat create get customer=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	chat, created, err := h.chatRepo.GetOrCreate(r.Context(), store, customer)
	if err != nil {
		logger.Errorf("chat create store=%s customer=%s: %v", store.ID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		room := ws.ChatRoom(chat.ID)
		payload := ws.JoinNewChatPayload{ChatID: chat.ID}
		for _, uid := range []string{chat.CustomerID, chat.OwnerID} {
			h.hub.SubscribeUser(uid, room)
			h.hub.NotifyUser(uid, ws.EventJoinNewChat, payload)
		}
	}
	writeJSON(w, status, chat)
}

// Messages returns a page of the chat's log in ascending creation order.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		logger.Errorf("chat messages get chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, ok := chat.RoleOf(userID); !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	messages, err := h.msgRepo.ListByChat(r.Context(), chatID, limit, offset)
	if err != nil {
		logger.Errorf("chat messages list chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// Delete soft-deletes the chat for the caller's side only; the other
// participant keeps their history.
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		logger.Errorf("chat delete get chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	role, ok := chat.RoleOf(userID)
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if err := h.chatRepo.SetDeleted(r.Context(), chatID, role); err != nil {
		logger.Errorf("chat delete chat=%s role=%s: %v", chatID, role, err)
		writeError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
