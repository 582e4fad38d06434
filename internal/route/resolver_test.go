package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marketlive/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolateProducesStepsPlusOnePoints(t *testing.T) {
	from := model.LatLng{Lat: 41.3735, Lng: 2.1492}
	to := model.LatLng{Lat: 41.3851, Lng: 2.1734}

	points := Interpolate(from, to, 40)

	require.Len(t, points, 41)
	assert.Equal(t, from, points[0])
	assert.Equal(t, to, points[40])

	// Linear spacing: every point sits exactly at its fraction of the way.
	for i, p := range points {
		frac := float64(i) / 40.0
		assert.InDelta(t, from.Lat+(to.Lat-from.Lat)*frac, p.Lat, 1e-9, "lat at %d", i)
		assert.InDelta(t, from.Lng+(to.Lng-from.Lng)*frac, p.Lng, 1e-9, "lng at %d", i)
	}
}

func TestInterpolateClampsStepCount(t *testing.T) {
	from := model.LatLng{Lat: 1, Lng: 1}
	to := model.LatLng{Lat: 2, Lng: 2}

	points := Interpolate(from, to, 0)
	require.Len(t, points, 2)
	assert.Equal(t, from, points[0])
	assert.Equal(t, to, points[1])
}

func TestGeocodeWithoutTokenFailsFast(t *testing.T) {
	r := NewResolver("https://example.invalid", "", 40)
	_, err := r.Geocode(context.Background(), "Carrer de Mallorca 401, Barcelona")
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestGeocodeParsesCenter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"features":[{"center":[2.1734,41.3851]}]}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "test-token", 40)
	got, err := r.Geocode(context.Background(), "Barcelona")
	require.NoError(t, err)
	assert.InDelta(t, 41.3851, got.Lat, 1e-9)
	assert.InDelta(t, 2.1734, got.Lng, 1e-9)
}

func TestGeocodeNoFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"features":[]}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "test-token", 40)
	_, err := r.Geocode(context.Background(), "nowhere at all")
	require.ErrorIs(t, err, ErrNotResolved)
}

func TestDirectionsParsesPolyline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"routes":[{"geometry":{"coordinates":[[2.1,41.3],[2.2,41.4]]}}]}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "test-token", 40)
	polyline, err := r.Directions(context.Background(),
		model.LatLng{Lat: 41.3, Lng: 2.1}, model.LatLng{Lat: 41.4, Lng: 2.2})
	require.NoError(t, err)
	require.Len(t, polyline, 2)
	assert.Equal(t, model.LatLng{Lat: 41.3, Lng: 2.1}, polyline[0])
	assert.Equal(t, model.LatLng{Lat: 41.4, Lng: 2.2}, polyline[1])
}

func TestDirectionsNoRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"routes":[]}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "test-token", 40)
	_, err := r.Directions(context.Background(), model.LatLng{}, model.LatLng{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, ErrNoRouteFound)
}

func TestResolveFallsBackToInterpolation(t *testing.T) {
	// No provider token: geocoding degrades to synthetic coordinates and the
	// polyline to straight-line interpolation. The route must never be empty.
	r := NewResolver("https://example.invalid", "", 40)
	origin, dest, polyline := r.Resolve(context.Background(), "Store Street 1", "Customer Road 2")

	require.Len(t, polyline, 41)
	assert.Equal(t, origin, polyline[0])
	assert.Equal(t, dest, polyline[40])
	assert.NotEqual(t, origin, dest)
}

func TestSyntheticCoordinateStableAndBounded(t *testing.T) {
	a := syntheticCoordinate("Carrer de Mallorca 401")
	b := syntheticCoordinate("Carrer de Mallorca 401")
	c := syntheticCoordinate("another address")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	for _, p := range []model.LatLng{a, c} {
		assert.GreaterOrEqual(t, p.Lat, -60.0)
		assert.Less(t, p.Lat, 60.0)
		assert.GreaterOrEqual(t, p.Lng, -180.0)
		assert.Less(t, p.Lng, 180.0)
	}
}
