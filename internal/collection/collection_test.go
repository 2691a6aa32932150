package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetUnknownCollection(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestRegistry_IndexDiscoveryOrder(t *testing.T) {
	c := NewCollection("places")
	c.AddIndex(&Index{Name: "primary", Type: IndexTypePrimary, Fields: [][]string{{"_key"}}})
	c.AddIndex(&Index{Name: "geo", Type: IndexTypeGeo2, Fields: [][]string{{"lat"}, {"lon"}}})

	reg := NewRegistry()
	reg.Add(c)

	indexes, err := reg.IndexesForCollection("places")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, "primary", indexes[0].Name)
	assert.Equal(t, "geo", indexes[1].Name)
}

func TestIndexType_IsGeo(t *testing.T) {
	assert.True(t, IndexTypeGeo1.IsGeo())
	assert.True(t, IndexTypeGeo2.IsGeo())
	assert.True(t, IndexTypeGeo.IsGeo())
	assert.False(t, IndexTypeHash.IsGeo())
	assert.False(t, IndexTypeFulltext.IsGeo())
}

func TestIndex_SettingsCarryGeoJSONFlag(t *testing.T) {
	idx := &Index{Name: "loc", Type: IndexTypeGeo1, Fields: [][]string{{"location"}}, GeoJSON: true}
	settings := idx.Settings()
	assert.Equal(t, "geo1", settings["type"])
	assert.Equal(t, true, settings["geoJson"])

	fields, ok := settings["fields"].([]any)
	require.True(t, ok)
	require.Len(t, fields, 1)
	assert.Equal(t, []any{"location"}, fields[0])
}
