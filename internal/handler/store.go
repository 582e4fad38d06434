package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/middleware"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
)

type StoreHandler struct {
	storeRepo *repository.StoreRepository
}

func NewStoreHandler(storeRepo *repository.StoreRepository) *StoreHandler {
	return &StoreHandler{storeRepo: storeRepo}
}

type createStoreRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Address   string `json:"address"`
}

func (h *StoreHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := strings.TrimSpace(req.Name)
	address := strings.TrimSpace(req.Address)
	if name == "" || address == "" {
		writeError(w, http.StatusBadRequest, "name and address are required")
		return
	}

	s := &model.Store{
		ID:        uuid.New().String(),
		OwnerID:   middleware.GetUserID(r.Context()),
		Name:      name,
		AvatarURL: req.AvatarURL,
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.storeRepo.Create(r.Context(), s); err != nil {
		logger.Errorf("store create: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create store")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *StoreHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.storeRepo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		logger.Errorf("store get: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
