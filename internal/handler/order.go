package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/marketlive/internal/delivery"
	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/middleware"
	"github.com/marketlive/internal/model"
	"github.com/marketlive/internal/repository"
	"github.com/marketlive/internal/route"
)

type OrderHandler struct {
	orderRepo    *repository.OrderRepository
	deliveryRepo *repository.DeliveryRepository
	storeRepo    *repository.StoreRepository
	resolver     *route.Resolver
	scheduler    *delivery.Scheduler
}

func NewOrderHandler(orderRepo *repository.OrderRepository, deliveryRepo *repository.DeliveryRepository, storeRepo *repository.StoreRepository, resolver *route.Resolver, scheduler *delivery.Scheduler) *OrderHandler {
	return &OrderHandler{
		orderRepo:    orderRepo,
		deliveryRepo: deliveryRepo,
		storeRepo:    storeRepo,
		resolver:     resolver,
		scheduler:    scheduler,
	}
}

type createOrderRequest struct {
	StoreID string `json:"store_id"`
	ShipTo  string `json:"ship_to"`
}

type orderResponse struct {
	Order    *model.Order    `json:"order"`
	Delivery *model.Delivery `json:"delivery"`
}

// Create places an order and precomputes its delivery route from the store
// address to the shipping address. The route is resolved once, here; the
// simulation only ever walks the stored polyline.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	shipTo := strings.TrimSpace(req.ShipTo)
	if req.StoreID == "" || shipTo == "" {
		writeError(w, http.StatusBadRequest, "store_id and ship_to are required")
		return
	}
	userID := middleware.GetUserID(r.Context())

	store, err := h.storeRepo.GetByID(r.Context(), req.StoreID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "store not found")
			return
		}
		logger.Errorf("order create get store=%s: %v", req.StoreID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if store.OwnerID == userID {
		writeError(w, http.StatusBadRequest, "cannot order from your own store")
		return
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:         uuid.New().String(),
		CustomerID: userID,
		StoreID:    store.ID,
		Status:     model.OrderStatusPending,
		ShipTo:     shipTo,
		CreatedAt:  now,
	}
	if err := h.orderRepo.Create(r.Context(), order); err != nil {
		logger.Errorf("order create: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	origin, dest, polyline := h.resolver.Resolve(r.Context(), store.Address, shipTo)
	d := &model.Delivery{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		Origin:      origin,
		Destination: dest,
		Route:       polyline,
		Status:      model.DeliveryStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.deliveryRepo.Create(r.Context(), d); err != nil {
		logger.Errorf("order create delivery order=%s: %v", order.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create delivery")
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: order, Delivery: d})
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, err := h.orderRepo.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		logger.Errorf("order get %s: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if order.CustomerID != userID {
		store, err := h.storeRepo.GetByID(r.Context(), order.StoreID)
		if err != nil || store.OwnerID != userID {
			writeError(w, http.StatusForbidden, "not your order")
			return
		}
	}
	writeJSON(w, http.StatusOK, order)
}

// Ship starts the delivery simulation. Only the store owner may ship; the
// scheduler enforces it and handles the pending→shipped transition.
func (h *OrderHandler) Ship(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	if err := h.scheduler.StartForOrder(r.Context(), orderID, userID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, delivery.ErrNotAllowed):
			writeError(w, http.StatusForbidden, "only the store owner can ship")
		default:
			logger.Errorf("order ship %s: %v", orderID, err)
			writeError(w, http.StatusInternalServerError, "failed to start shipping")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Delivery returns the order's delivery with the full stored route, for
// drawing the map before subscribing to delivery_update ticks.
func (h *OrderHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	d, err := h.deliveryRepo.GetByOrderID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		logger.Errorf("order delivery %s: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
