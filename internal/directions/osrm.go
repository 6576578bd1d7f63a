package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/paulmach/orb"

	"ecoroute/internal/httpx"
	"ecoroute/internal/model"
)

// OSRM calls an OSRM route service. OSRM visits coordinates in the order
// given, which is what a pre-ordered route needs.
type OSRM struct {
	baseURL string
	retry   *httpx.Retrier
}

func NewOSRM(baseURL string, retry *httpx.Retrier) *OSRM {
	return &OSRM{baseURL: strings.TrimRight(baseURL, "/"), retry: retry}
}

func (o *OSRM) Name() string { return "osrm" }

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Legs []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

func (o *OSRM) url(req Request) string {
	pts := req.Points()
	parts := make([]string, len(pts))
	for i, p := range pts {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lng, p.Lat)
	}
	return fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson&steps=false", o.baseURL, strings.Join(parts, ";"))
}

func (o *OSRM) Directions(ctx context.Context, req Request) (model.Directions, error) {
	resp, err := o.retry.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, o.url(req), nil)
	})
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && strings.Contains(se.Body, `"NoRoute"`) {
			return model.Directions{}, fmt.Errorf("osrm route: %w", ErrNoRoute)
		}
		return model.Directions{}, fmt.Errorf("osrm route: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Directions{}, fmt.Errorf("osrm route: decode: %w", err)
	}
	if body.Code == "NoRoute" || (body.Code == "Ok" && len(body.Routes) == 0) {
		return model.Directions{}, fmt.Errorf("osrm route: %w", ErrNoRoute)
	}
	if body.Code != "Ok" {
		return model.Directions{}, fmt.Errorf("osrm route: %s %s", body.Code, body.Message)
	}
	route := body.Routes[0]
	out := model.Directions{Provider: o.Name()}
	for _, l := range route.Legs {
		out.Legs = append(out.Legs, model.Leg{
			DistanceMeters:  int(math.Round(l.Distance)),
			DurationSeconds: int(math.Round(l.Duration)),
		})
	}
	sumLegs(&out)
	out.Path = make(orb.LineString, 0, len(route.Geometry.Coordinates))
	for _, c := range route.Geometry.Coordinates {
		if len(c) >= 2 {
			out.Path = append(out.Path, orb.Point{c[0], c[1]})
		}
	}
	return out, nil
}
