package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marketlive/internal/auth"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
)

// AuthHandler issues demo-grade tokens. There is no password flow here; the
// marketplace frontend authenticates elsewhere and this service only needs a
// verifiable identity for chat and shipping operations.
type AuthHandler struct {
	userRepo *repository.UserRepository
	tokens   *auth.Manager
}

func NewAuthHandler(userRepo *repository.UserRepository, tokens *auth.Manager) *AuthHandler {
	return &AuthHandler{userRepo: userRepo, tokens: tokens}
}

type registerRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type authResponse struct {
	User  model.UserPublic `json:"user"`
	Token string           `json:"token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	u := &model.User{
		ID:        uuid.New().String(),
		Name:      name,
		AvatarURL: req.AvatarURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.userRepo.Create(r.Context(), u); err != nil {
		logger.Errorf("auth register: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := h.tokens.Issue(r.Context(), u.ID, uuid.New().String())
	if err != nil {
		logger.Errorf("auth issue token user=%s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: u.ToPublic(), Token: token})
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := h.userRepo.GetByID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	token, err := h.tokens.Issue(r.Context(), u.ID, uuid.New().String())
	if err != nil {
		logger.Errorf("auth issue token user=%s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: u.ToPublic(), Token: token})
}
