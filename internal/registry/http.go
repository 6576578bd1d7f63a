package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ecoroute/internal/auth"
	"ecoroute/internal/httpx"
	"ecoroute/internal/model"
)

// HTTP reads devices from the upstream backend's /api/device endpoint,
// forwarding the caller's bearer token from the request session.
type HTTP struct {
	baseURL string
	retry   *httpx.Retrier
	log     logrus.FieldLogger
}

func NewHTTP(baseURL string, timeout time.Duration, log logrus.FieldLogger) *HTTP {
	r := httpx.NewRetrier(timeout, 0)
	r.OnRetry = func(attempt int, err error) {
		log.WithError(err).WithField("attempt", attempt).Warn("device registry retry")
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), retry: r, log: log}
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
}

// flexNumber accepts a JSON number or a numeric string. Null and blank
// strings leave it unset; anything else marks it bad.
type flexNumber struct {
	set   bool
	bad   bool
	value float64
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if raw = strings.TrimSpace(str); raw == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		n.bad = true
		return nil
	}
	n.set, n.value = true, v
	return nil
}

func (n flexNumber) ptr() *float64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

// flexString accepts a JSON string or number, for ids the backend may
// send either way.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}

// wireDevice is a device record as the backend sends it. Coordinates come
// as lat/lng (numbers or numeric strings) or as location, which is either
// a "lat, lng" string or a {lat, lng} object.
type wireDevice struct {
	ID           flexString      `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	GroupID      flexString      `json:"interfaceId"`
	Lat          flexNumber      `json:"lat"`
	Lng          flexNumber      `json:"lng"`
	LastValue1   flexNumber      `json:"lastValue1"`
	LastValue2   flexNumber      `json:"lastValue2"`
	OnlineStatus string          `json:"onlineStatus"`
	LastSeen     string          `json:"lastSeen"`
	Location     json.RawMessage `json:"location"`
}

func parseLocation(raw json.RawMessage) (lat, lng flexNumber) {
	if len(raw) == 0 {
		return
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		a, b, ok := strings.Cut(str, ",")
		if !ok {
			return flexNumber{}, flexNumber{}
		}
		_ = lat.UnmarshalJSON([]byte(strconv.Quote(a)))
		_ = lng.UnmarshalJSON([]byte(strconv.Quote(b)))
		return
	}
	var obj struct {
		Lat flexNumber `json:"lat"`
		Lng flexNumber `json:"lng"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Lat, obj.Lng
	}
	return flexNumber{}, flexNumber{}
}

// device converts the record. Bins carrying non-numeric coordinates or
// fill levels are DataErrors; on other devices such fields are dropped.
func (w wireDevice) device() (model.Device, *DataError) {
	d := model.Device{
		ID:           string(w.ID),
		Name:         w.Name,
		Type:         w.Type,
		GroupID:      string(w.GroupID),
		OnlineStatus: w.OnlineStatus,
	}
	lat, lng := w.Lat, w.Lng
	if !lat.set && !lng.set && !lat.bad && !lng.bad {
		lat, lng = parseLocation(w.Location)
	}
	if IsBin(d.Type) {
		if lat.bad || lng.bad {
			return d, &DataError{DeviceID: d.ID, Reason: "non-numeric coordinates"}
		}
		if w.LastValue1.bad || w.LastValue2.bad {
			return d, &DataError{DeviceID: d.ID, Reason: "non-numeric fill level"}
		}
	}
	d.Lat, d.Lng = lat.ptr(), lng.ptr()
	d.LastValue1, d.LastValue2 = w.LastValue1.ptr(), w.LastValue2.ptr()
	if t, err := time.Parse(time.RFC3339, w.LastSeen); err == nil {
		d.LastSeen = &t
	}
	return d, nil
}

func (h *HTTP) ListDevices(ctx context.Context, groupID string) ([]model.Device, error) {
	resp, err := h.retry.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/device", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if s, ok := auth.FromContext(ctx); ok && s.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.Token)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("list devices: decode: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("list devices: backend error: %s", env.Message)
	}
	out := make([]model.Device, 0, len(env.Data))
	var rejects []*DataError
	for i, raw := range env.Data {
		var w wireDevice
		if err := json.Unmarshal(raw, &w); err != nil {
			rejects = append(rejects, &DataError{DeviceID: fmt.Sprintf("#%d", i), Reason: "malformed record"})
			continue
		}
		if groupID != "" && string(w.GroupID) != groupID {
			continue
		}
		d, derr := w.device()
		if derr != nil {
			rejects = append(rejects, derr)
			continue
		}
		out = append(out, d)
	}
	LogRejects(h.log, groupID, rejects)
	return out, nil
}
