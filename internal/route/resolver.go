// Package route resolves delivery routes: it geocodes addresses and fetches a
// driving polyline from the configured provider, falling back to a
// deterministic straight-line interpolation so that a delivery always has a
// non-empty, finite polyline to simulate over.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/marketlive/internal/logger"
	"github.com/marketlive/internal/model"
)

var (
	ErrNoProvider   = errors.New("route provider not configured")
	ErrNotResolved  = errors.New("address not resolved")
	ErrNoRouteFound = errors.New("no route found")
)

// Resolver talks to a Mapbox-compatible geocoding/directions API. With an
// empty token every provider call fails fast and the interpolation fallback
// takes over.
type Resolver struct {
	baseURL    string
	token      string
	steps      int
	httpClient *http.Client
}

func NewResolver(baseURL, token string, fallbackSteps int) *Resolver {
	if fallbackSteps <= 0 {
		fallbackSteps = 40
	}
	return &Resolver{
		baseURL:    baseURL,
		token:      token,
		steps:      fallbackSteps,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Geocode resolves an address to a coordinate via the provider.
func (r *Resolver) Geocode(ctx context.Context, address string) (model.LatLng, error) {
	if r.token == "" {
		return model.LatLng{}, ErrNoProvider
	}
	u := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?access_token=%s&limit=1",
		r.baseURL, url.PathEscape(address), url.QueryEscape(r.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.LatLng{}, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return model.LatLng{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.LatLng{}, fmt.Errorf("geocode: status %d", resp.StatusCode)
	}
	var body struct {
		Features []struct {
			Center []float64 `json:"center"` // [lng, lat]
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.LatLng{}, fmt.Errorf("geocode decode: %w", err)
	}
	if len(body.Features) == 0 || len(body.Features[0].Center) < 2 {
		return model.LatLng{}, ErrNotResolved
	}
	c := body.Features[0].Center
	return model.LatLng{Lat: c[1], Lng: c[0]}, nil
}

// Directions fetches a driving polyline between two coordinates.
func (r *Resolver) Directions(ctx context.Context, from, to model.LatLng) ([]model.LatLng, error) {
	if r.token == "" {
		return nil, ErrNoProvider
	}
	u := fmt.Sprintf("%s/directions/v5/mapbox/driving/%f,%f;%f,%f?access_token=%s&geometries=geojson&overview=full",
		r.baseURL, from.Lng, from.Lat, to.Lng, to.Lat, url.QueryEscape(r.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directions: status %d", resp.StatusCode)
	}
	var body struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"` // [lng, lat]
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("directions decode: %w", err)
	}
	if len(body.Routes) == 0 || len(body.Routes[0].Geometry.Coordinates) == 0 {
		return nil, ErrNoRouteFound
	}
	coords := body.Routes[0].Geometry.Coordinates
	polyline := make([]model.LatLng, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		polyline = append(polyline, model.LatLng{Lat: c[1], Lng: c[0]})
	}
	if len(polyline) == 0 {
		return nil, ErrNoRouteFound
	}
	return polyline, nil
}

// Interpolate returns steps+1 points linearly spaced between from and to,
// first point exactly from and last exactly to.
func Interpolate(from, to model.LatLng, steps int) []model.LatLng {
	if steps < 1 {
		steps = 1
	}
	points := make([]model.LatLng, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		points = append(points, model.LatLng{
			Lat: from.Lat + (to.Lat-from.Lat)*t,
			Lng: from.Lng + (to.Lng-from.Lng)*t,
		})
	}
	// Guard against float drift on the endpoints.
	points[0] = from
	points[steps] = to
	return points
}

// Resolve produces origin, destination and polyline for a delivery. Provider
// failures at any stage degrade to synthetic coordinates and straight-line
// interpolation; the returned route is always non-empty.
func (r *Resolver) Resolve(ctx context.Context, originAddr, destAddr string) (origin, dest model.LatLng, polyline []model.LatLng) {
	var err error
	origin, err = r.Geocode(ctx, originAddr)
	if err != nil {
		logger.Errorf("route: geocode origin %q: %v (using synthetic coordinate)", originAddr, err)
		origin = syntheticCoordinate(originAddr)
	}
	dest, err = r.Geocode(ctx, destAddr)
	if err != nil {
		logger.Errorf("route: geocode destination %q: %v (using synthetic coordinate)", destAddr, err)
		dest = syntheticCoordinate(destAddr)
	}
	polyline, err = r.Directions(ctx, origin, dest)
	if err != nil {
		logger.Errorf("route: directions: %v (falling back to interpolation)", err)
		polyline = Interpolate(origin, dest, r.steps)
	}
	return origin, dest, polyline
}

// syntheticCoordinate maps an address string onto a stable pseudo-coordinate
// so ungeocodable addresses still yield distinct, reproducible routes.
func syntheticCoordinate(address string) model.LatLng {
	var h uint32 = 2166136261
	for i := 0; i < len(address); i++ {
		h ^= uint32(address[i])
		h *= 16777619
	}
	lat := -60 + float64(h%120000)/1000.0  // [-60, 60)
	lng := -180 + float64(h%360000)/1000.0 // [-180, 180)
	return model.LatLng{Lat: lat, Lng: lng}
}
