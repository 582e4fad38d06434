package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/repository"
)

type DeliveryHandler struct {
	deliveryRepo *repository.DeliveryRepository
}

func NewDeliveryHandler(deliveryRepo *repository.DeliveryRepository) *DeliveryHandler {
	return &DeliveryHandler{deliveryRepo: deliveryRepo}
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.deliveryRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		logger.Errorf("delivery get %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
