package directions

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-polyline"

	"ecoroute/internal/httpx"
	"ecoroute/internal/model"
)

var (
	origin = model.GeoPoint{Lat: 22.5726, Lng: 88.3639}
	stopA  = model.GeoPoint{Lat: 22.5756, Lng: 88.3699}
	stopB  = model.GeoPoint{Lat: 22.5800, Lng: 88.3650}
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRetrier(c *http.Client) *httpx.Retrier {
	return &httpx.Retrier{Client: c, MaxAttempts: 2, Backoff: time.Millisecond}
}

func TestNewRequestSplitsDestination(t *testing.T) {
	req, err := NewRequest(origin, []model.GeoPoint{stopA, stopB})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Waypoints) != 1 || req.Waypoints[0] != stopA || req.Destination != stopB {
		t.Fatalf("request = %+v", req)
	}
	single, _ := NewRequest(origin, []model.GeoPoint{stopA})
	if len(single.Waypoints) != 0 || single.Destination != stopA {
		t.Fatalf("single = %+v", single)
	}
	if _, err := NewRequest(origin, nil); err == nil {
		t.Fatal("want error for no stops")
	}
}

func TestGoogleKeepsWaypointOrder(t *testing.T) {
	line := string(polyline.EncodeCoords([][]float64{{22.5726, 88.3639}, {22.5756, 88.3699}, {22.58, 88.365}}))
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{"origin": q.Get("origin"), "destination": q.Get("destination"), "waypoints": q.Get("waypoints"), "mode": q.Get("mode"), "key": q.Get("key")}
		_, _ = io.WriteString(w, `{"status":"OK","routes":[{"overview_polyline":{"points":`+quote(line)+`},
			"legs":[{"distance":{"value":700},"duration":{"value":120}},{"distance":{"value":650},"duration":{"value":100}}]}]}`)
	}))
	defer srv.Close()

	g := NewGoogle(srv.URL, "k", testRetrier(srv.Client()))
	req, _ := NewRequest(origin, []model.GeoPoint{stopA, stopB})
	d, err := g.Directions(context.Background(), req)
	if err != nil {
		t.Fatalf("Directions: %v", err)
	}
	if gotQuery["waypoints"] != "optimize:false|22.575600,88.369900" || gotQuery["destination"] != "22.580000,88.365000" {
		t.Fatalf("query = %v", gotQuery)
	}
	if gotQuery["mode"] != "driving" || gotQuery["key"] != "k" {
		t.Fatalf("query = %v", gotQuery)
	}
	if d.DistanceMeters != 1350 || d.DurationSeconds != 220 || len(d.Legs) != 2 {
		t.Fatalf("totals = %+v", d)
	}
	if len(d.Path) != 3 || math.Abs(d.Path[0][0]-88.3639) > 1e-5 || math.Abs(d.Path[0][1]-22.5726) > 1e-5 {
		t.Fatalf("path = %v", d.Path)
	}
}

func quote(s string) string { return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"` }

func TestGoogleZeroResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"ZERO_RESULTS","routes":[]}`)
	}))
	defer srv.Close()
	req, _ := NewRequest(origin, []model.GeoPoint{stopA})
	_, err := NewGoogle(srv.URL, "k", testRetrier(srv.Client())).Directions(context.Background(), req)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}
}

func TestOSRMCoordinateOrder(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"code":"Ok","routes":[{"geometry":{"coordinates":[[88.3639,22.5726],[88.3699,22.5756]]},
			"legs":[{"distance":700.4,"duration":119.6}]}]}`)
	}))
	defer srv.Close()
	req, _ := NewRequest(origin, []model.GeoPoint{stopA})
	d, err := NewOSRM(srv.URL+"/", testRetrier(srv.Client())).Directions(context.Background(), req)
	if err != nil {
		t.Fatalf("Directions: %v", err)
	}
	if gotPath != "/route/v1/driving/88.363900,22.572600;88.369900,22.575600" {
		t.Fatalf("path = %s", gotPath)
	}
	if d.DistanceMeters != 700 || d.DurationSeconds != 120 || len(d.Path) != 2 {
		t.Fatalf("directions = %+v", d)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"NoRoute"}`)
	}))
	defer srv.Close()
	req, _ := NewRequest(origin, []model.GeoPoint{stopA})
	_, err := NewOSRM(srv.URL, testRetrier(srv.Client())).Directions(context.Background(), req)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}
}

func TestStraightSumsLegs(t *testing.T) {
	req, _ := NewRequest(origin, []model.GeoPoint{stopA, stopB})
	d, err := Straight{}.Directions(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Legs) != 2 || len(d.Path) != 3 {
		t.Fatalf("directions = %+v", d)
	}
	if d.DistanceMeters != d.Legs[0].DistanceMeters+d.Legs[1].DistanceMeters {
		t.Fatalf("total %d", d.DistanceMeters)
	}
	if d.Legs[0].DistanceMeters < 650 || d.Legs[0].DistanceMeters > 750 {
		t.Fatalf("first leg %d m", d.Legs[0].DistanceMeters)
	}
}

type countingProvider struct {
	calls int
	err   error
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Directions(ctx context.Context, req Request) (model.Directions, error) {
	c.calls++
	if c.err != nil {
		return model.Directions{}, c.err
	}
	return model.Directions{Provider: "counting", DistanceMeters: 42, Path: orb.LineString{{1, 2}, {3, 4}}}, nil
}

func TestCacheServesRepeatRequests(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingProvider{}
	c := NewCache(inner, rdb, time.Minute, quiet())
	req, _ := NewRequest(origin, []model.GeoPoint{stopA, stopB})

	for i := 0; i < 3; i++ {
		d, err := c.Directions(context.Background(), req)
		if err != nil || d.DistanceMeters != 42 || len(d.Path) != 2 {
			t.Fatalf("call %d: %+v %v", i, d, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("provider called %d times", inner.calls)
	}
	reversed, _ := NewRequest(origin, []model.GeoPoint{stopB, stopA})
	_, _ = c.Directions(context.Background(), reversed)
	if inner.calls != 2 {
		t.Fatal("different order must not share a cache entry")
	}
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingProvider{err: errors.New("quota")}
	c := NewCache(inner, rdb, time.Minute, quiet())
	req, _ := NewRequest(origin, []model.GeoPoint{stopA})
	_, _ = c.Directions(context.Background(), req)
	_, _ = c.Directions(context.Background(), req)
	if inner.calls != 2 {
		t.Fatalf("calls = %d", inner.calls)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("cached keys: %v", keys)
	}
}

func TestCacheSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()
	inner := &countingProvider{}
	req, _ := NewRequest(origin, []model.GeoPoint{stopA})
	d, err := NewCache(inner, rdb, time.Minute, quiet()).Directions(context.Background(), req)
	if err != nil || d.DistanceMeters != 42 {
		t.Fatalf("%+v %v", d, err)
	}
}

func TestSimplifiedDropsCollinearPoints(t *testing.T) {
	inner := providerFunc(func(ctx context.Context, req Request) (model.Directions, error) {
		return model.Directions{Path: orb.LineString{{0, 0}, {0.5, 0.0000001}, {1, 0}}}, nil
	})
	d, err := NewSimplified(inner, 0.001).Directions(context.Background(), Request{})
	if err != nil || len(d.Path) != 2 {
		t.Fatalf("path = %v err = %v", d.Path, err)
	}
}

type providerFunc func(ctx context.Context, req Request) (model.Directions, error)

func (f providerFunc) Name() string { return "func" }

func (f providerFunc) Directions(ctx context.Context, req Request) (model.Directions, error) {
	return f(ctx, req)
}
