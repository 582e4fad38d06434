package repository

import (
	"testing"

	"github.com/marketlive/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteJSONRoundTripPreservesOrder(t *testing.T) {
	route := []model.LatLng{
		{Lat: 41.3735, Lng: 2.1492},
		{Lat: 41.3780, Lng: 2.1580},
		{Lat: 41.3851, Lng: 2.1734},
	}

	data, err := routeToJSON(route)
	require.NoError(t, err)

	got, err := routeFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, route, got)
}

func TestRouteJSONNilEncodesAsEmptyArray(t *testing.T) {
	data, err := routeToJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	got, err := routeFromJSON(data)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRouteFromJSONRejectsGarbage(t *testing.T) {
	_, err := routeFromJSON([]byte(`{"not":"a route"}`))
	require.Error(t, err)
}
