package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoRoute = errors.New("eta: no route")

// OSRMClient asks an OSRM server for driving durations.
type OSRMClient struct {
	baseURL string
	profile string
	http    *http.Client
}

func NewOSRMClient(baseURL string) *OSRMClient {
	return &OSRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	// coordinates are lon,lat
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.baseURL, o.profile, from.Lon, from.Lat, to.Lon, to.Lat)
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), nil)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var body osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoRoute, body.Code)
	}
	return body.Routes[0].Duration, nil
}
