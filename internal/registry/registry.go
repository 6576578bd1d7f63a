// Package registry is the boundary to the device registry. It fetches raw
// device records and turns the bins among them into validated
// CollectionPoints.
package registry

import (
	"context"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
)

// Registry lists the device records of a group. store.Store satisfies it
// for locally registered devices; HTTP reads them from the upstream backend.
type Registry interface {
	ListDevices(ctx context.Context, groupID string) ([]model.Device, error)
}

// DataError describes a device record that cannot become a CollectionPoint.
type DataError struct {
	DeviceID string
	Reason   string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Reason)
}

var validate = validator.New()

// IsBin reports whether a device type is eligible for route planning.
func IsBin(deviceType string) bool {
	return deviceType == model.DeviceDustbin || deviceType == model.DeviceSmartBin
}

// CollectionPoint validates one bin record.
func CollectionPoint(d model.Device) (model.CollectionPoint, error) {
	if d.Lat == nil || d.Lng == nil {
		return model.CollectionPoint{}, &DataError{DeviceID: d.ID, Reason: "missing coordinates"}
	}
	if math.IsNaN(*d.Lat) || math.IsInf(*d.Lat, 0) || math.IsNaN(*d.Lng) || math.IsInf(*d.Lng, 0) {
		return model.CollectionPoint{}, &DataError{DeviceID: d.ID, Reason: "non-finite coordinates"}
	}
	if d.LastValue1 == nil {
		return model.CollectionPoint{}, &DataError{DeviceID: d.ID, Reason: "no fill reading"}
	}
	p := model.CollectionPoint{
		ID:        d.ID,
		Name:      d.Name,
		Class:     model.SensorClass(d.Type),
		Location:  model.GeoPoint{Lat: *d.Lat, Lng: *d.Lng},
		Primary:   *d.LastValue1,
		Secondary: d.LastValue2,
	}
	if err := validate.Struct(p); err != nil {
		return model.CollectionPoint{}, &DataError{DeviceID: d.ID, Reason: err.Error()}
	}
	return p, nil
}

// CollectionPoints keeps the bins of groupID, in input order. Devices of
// other groups or types are skipped; malformed bins are returned as rejects.
func CollectionPoints(devices []model.Device, groupID string) ([]model.CollectionPoint, []*DataError) {
	points := make([]model.CollectionPoint, 0, len(devices))
	var rejects []*DataError
	for _, d := range devices {
		if (groupID != "" && d.GroupID != groupID) || !IsBin(d.Type) {
			continue
		}
		p, err := CollectionPoint(d)
		if err != nil {
			rejects = append(rejects, err.(*DataError))
			continue
		}
		points = append(points, p)
	}
	return points, rejects
}

// LogRejects records excluded records without surfacing them to the caller.
func LogRejects(log logrus.FieldLogger, groupID string, rejects []*DataError) {
	for _, r := range rejects {
		metrics.RegistryRejected.WithLabelValues(rejectReason(r.Reason)).Inc()
		log.WithFields(logrus.Fields{"group": groupID, "device": r.DeviceID}).Warnf("excluded device: %s", r.Reason)
	}
}

func rejectReason(reason string) string {
	switch reason {
	case "missing coordinates", "non-finite coordinates", "non-numeric coordinates", "non-numeric fill level", "no fill reading", "malformed record":
		return reason
	}
	return "invalid values"
}
