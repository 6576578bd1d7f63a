// Package ingest applies bin telemetry readings to the device store and
// fans them out as device-live events.
package ingest

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/events"
	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
	"ecoroute/internal/opt"
)

// Reading sources, used as a metric label.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// ReadingStore records a reading and returns the updated device.
type ReadingStore interface {
	RecordReading(ctx context.Context, r model.Reading) (model.Device, error)
}

type Ingester struct {
	store    ReadingStore
	broker   events.EventBroker
	log      logrus.FieldLogger
	validate *validator.Validate
}

func New(store ReadingStore, broker events.EventBroker, log logrus.FieldLogger) *Ingester {
	return &Ingester{store: store, broker: broker, log: log, validate: validator.New()}
}

// ValidationError wraps a reading rejected before it reached the store.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid reading: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// Apply validates r, stores it and publishes the device's new state.
func (i *Ingester) Apply(ctx context.Context, r model.Reading, source string) (model.Device, error) {
	if err := i.validate.Struct(r); err != nil {
		metrics.ReadingsIngested.WithLabelValues(source, "invalid").Inc()
		return model.Device{}, &ValidationError{Err: err}
	}
	d, err := i.store.RecordReading(ctx, r)
	if err != nil {
		metrics.ReadingsIngested.WithLabelValues(source, "error").Inc()
		return model.Device{}, fmt.Errorf("record reading: %w", err)
	}
	metrics.ReadingsIngested.WithLabelValues(source, "ok").Inc()
	if i.broker != nil {
		i.broker.Publish(events.DeviceTopic(d.ID), events.Event{Type: events.DeviceLive, Data: LiveData(d)})
	}
	i.log.WithFields(logrus.Fields{"device": d.ID, "source": source, "value1": r.Value1}).Debug("reading applied")
	return d, nil
}

// LiveData is the device-live payload for a device.
func LiveData(d model.Device) map[string]any {
	data := map[string]any{
		"deviceId":     d.ID,
		"type":         d.Type,
		"onlineStatus": d.OnlineStatus,
	}
	if d.LastValue1 != nil {
		data["lastValue1"] = *d.LastValue1
		fill := *d.LastValue1
		if d.LastValue2 != nil {
			data["lastValue2"] = *d.LastValue2
			if *d.LastValue2 > fill {
				fill = *d.LastValue2
			}
		}
		data["severity"] = opt.Classify(fill)
	}
	if d.LastSeen != nil {
		data["lastSeen"] = d.LastSeen
	}
	return data
}
