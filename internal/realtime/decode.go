package realtime

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// fields is a loosely typed event payload. Clients send numbers as strings
// now and then, so accessors coerce where it is unambiguous.
type fields map[string]any

func decodeEnvelope(raw []byte) (string, fields, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil, err
	}
	var data fields
	if len(in.Data) > 0 {
		// non-object payloads are treated as empty
		_ = json.Unmarshal(in.Data, &data)
	}
	if data == nil {
		data = fields{}
	}
	return in.Type, data, nil
}

func (f fields) str(key string) (string, bool) {
	switch v := f[key].(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

func (f fields) num(key string) (float64, bool) {
	var n float64
	switch v := f[key].(type) {
	case float64:
		n = v
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		n = p
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func (f fields) numOr(key string, def float64) float64 {
	if n, ok := f.num(key); ok {
		return n
	}
	return def
}

// truthy follows the usual loose rules: false, 0, "" and null are false.
func (f fields) truthy(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	case nil:
		return false
	}
	return true
}

func (f fields) object(key string) (fields, bool) {
	m, ok := f[key].(map[string]any)
	return fields(m), ok
}

// coord reads {lat, lng} or {lat, lon}.
func (f fields) coord() (models.Coord, bool) {
	lat, ok := f.num("lat")
	if !ok {
		return models.Coord{}, false
	}
	lon, ok := f.num("lng")
	if !ok {
		if lon, ok = f.num("lon"); !ok {
			return models.Coord{}, false
		}
	}
	return models.Coord{Lat: lat, Lon: lon}, true
}
