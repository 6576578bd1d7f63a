package directions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-polyline"

	"ecoroute/internal/httpx"
	"ecoroute/internal/model"
)

// Google calls the Google Maps Directions API in driving mode with
// waypoint optimization disabled.
type Google struct {
	baseURL string
	apiKey  string
	retry   *httpx.Retrier
}

func NewGoogle(baseURL, apiKey string, retry *httpx.Retrier) *Google {
	return &Google{baseURL: baseURL, apiKey: apiKey, retry: retry}
}

func (g *Google) Name() string { return "google" }

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Distance     struct{ Value int } `json:"distance"`
			Duration     struct{ Value int } `json:"duration"`
			StartAddress string              `json:"start_address"`
			EndAddress   string              `json:"end_address"`
		} `json:"legs"`
	} `json:"routes"`
}

func (g *Google) url(req Request) string {
	q := url.Values{}
	q.Set("origin", coord(req.Origin))
	q.Set("destination", coord(req.Destination))
	q.Set("mode", "driving")
	if len(req.Waypoints) > 0 {
		parts := make([]string, 0, len(req.Waypoints)+1)
		parts = append(parts, "optimize:false")
		for _, w := range req.Waypoints {
			parts = append(parts, coord(w))
		}
		q.Set("waypoints", strings.Join(parts, "|"))
	}
	q.Set("key", g.apiKey)
	return g.baseURL + "?" + q.Encode()
}

func (g *Google) Directions(ctx context.Context, req Request) (model.Directions, error) {
	resp, err := g.retry.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url(req), nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "application/json")
		return r, nil
	})
	if err != nil {
		return model.Directions{}, fmt.Errorf("google directions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Directions{}, fmt.Errorf("google directions: decode: %w", err)
	}
	switch body.Status {
	case "OK":
	case "ZERO_RESULTS", "NOT_FOUND":
		return model.Directions{}, fmt.Errorf("google directions: %s: %w", body.Status, ErrNoRoute)
	default:
		return model.Directions{}, fmt.Errorf("google directions: %s %s", body.Status, body.ErrorMessage)
	}
	if len(body.Routes) == 0 {
		return model.Directions{}, fmt.Errorf("google directions: %w", ErrNoRoute)
	}
	route := body.Routes[0]
	out := model.Directions{Provider: g.Name(), Polyline: route.OverviewPolyline.Points}
	for _, l := range route.Legs {
		out.Legs = append(out.Legs, model.Leg{
			DistanceMeters:  l.Distance.Value,
			DurationSeconds: l.Duration.Value,
			StartAddress:    l.StartAddress,
			EndAddress:      l.EndAddress,
		})
	}
	sumLegs(&out)
	if out.Polyline != "" {
		coords, _, err := polyline.DecodeCoords([]byte(out.Polyline))
		if err != nil {
			return model.Directions{}, fmt.Errorf("google directions: polyline: %w", err)
		}
		out.Path = make(orb.LineString, len(coords))
		for i, c := range coords {
			out.Path[i] = orb.Point{c[1], c[0]}
		}
	}
	return out, nil
}
