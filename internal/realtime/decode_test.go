package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDecodeEnvelope(t *testing.T) {
	typ, data, err := decodeEnvelope([]byte(`{"type":"driver:status","data":{"status":"on_ride"}}`))
	require.NoError(t, err)
	assert.Equal(t, "driver:status", typ)
	s, ok := data.str("status")
	assert.True(t, ok)
	assert.Equal(t, "on_ride", s)

	_, _, err = decodeEnvelope([]byte(`not json`))
	assert.Error(t, err)

	typ, data, err = decodeEnvelope([]byte(`{"type":"register","data":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, "register", typ)
	assert.Empty(t, data)

	_, data, err = decodeEnvelope([]byte(`{"type":"register"}`))
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestFieldAccessors(t *testing.T) {
	_, f, err := decodeEnvelope([]byte(`{"type":"x","data":{
		"id": 42, "blank": "  ", "n": "3.5", "bad": "abc",
		"yes": true, "one": 1, "zero": 0, "word": "no", "empty": "",
		"obj": {"lat": 1, "lon": 2}
	}}`))
	require.NoError(t, err)

	id, ok := f.str("id")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	_, ok = f.str("blank")
	assert.False(t, ok)

	n, ok := f.num("n")
	assert.True(t, ok)
	assert.Equal(t, 3.5, n)
	_, ok = f.num("bad")
	assert.False(t, ok)
	assert.Equal(t, 7.0, f.numOr("missing", 7))

	assert.True(t, f.truthy("yes"))
	assert.True(t, f.truthy("one"))
	assert.True(t, f.truthy("word"))
	assert.False(t, f.truthy("zero"))
	assert.False(t, f.truthy("empty"))
	assert.False(t, f.truthy("missing"))

	obj, ok := f.object("obj")
	require.True(t, ok)
	c, ok := obj.coord()
	assert.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, c)
}

func TestCoordPrefersLng(t *testing.T) {
	c, ok := fields{"lat": 51.5, "lng": -0.1, "lon": 9.0}.coord()
	require.True(t, ok)
	assert.Equal(t, -0.1, c.Lon)

	_, ok = fields{"lat": 51.5}.coord()
	assert.False(t, ok)
	_, ok = fields{"lat": "north", "lng": 1.0}.coord()
	assert.False(t, ok)
}
