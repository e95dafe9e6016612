package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for the driving time from a driver to a
// pickup point.
type OSRMClient struct {
	Endpoint string
	Profile  string // defaults to driving
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Route is the first route OSRM returns.
type Route struct {
	DurationS float64 `json:"duration"`
	DistanceM float64 `json:"distance"`
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM takes lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var body struct {
		Code   string  `json:"code"`
		Routes []Route `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Route{}, fmt.Errorf("osrm decode: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %s", body.Code)
	}
	return body.Routes[0], nil
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	r, err := o.Route(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return r.DurationS, nil
}
