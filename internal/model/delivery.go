package model

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusOnRoute   DeliveryStatus = "on_route"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Delivery tracks one order's shipment over a precomputed polyline.
// CurrentIndex is a non-decreasing cursor into Route, bounded by
// len(Route)-1; Status only ever moves pending→on_route→delivered.
type Delivery struct {
	ID           string         `json:"id"`
	OrderID      string         `json:"order_id"`
	Origin       LatLng         `json:"origin"`
	Destination  LatLng         `json:"destination"`
	Route        []LatLng       `json:"route"`
	CurrentIndex int            `json:"current_index"`
	Status       DeliveryStatus `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	ETA          *time.Time     `json:"eta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CurrentLocation returns the route point under the cursor. Falls back to the
// origin when the route is empty (should not happen: route resolution
// guarantees a non-empty polyline).
func (d *Delivery) CurrentLocation() LatLng {
	if len(d.Route) == 0 {
		return d.Origin
	}
	i := d.CurrentIndex
	if i < 0 {
		i = 0
	}
	if i >= len(d.Route) {
		i = len(d.Route) - 1
	}
	return d.Route[i]
}

// Arrived reports whether the cursor has reached the last route point.
func (d *Delivery) Arrived() bool {
	return len(d.Route) > 0 && d.CurrentIndex >= len(d.Route)-1
}
