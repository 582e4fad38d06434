package model

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
)

type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	StoreID    string      `json:"store_id"`
	Status     OrderStatus `json:"status"`
	ShipTo     string      `json:"ship_to"`
	CreatedAt  time.Time   `json:"created_at"`
}
