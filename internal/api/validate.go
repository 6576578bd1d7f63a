package api

import (
	"time"

	"ecoroute/internal/model"
)

type createGroupRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=500"`
}

type grantAccessRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Role   string `json:"role" validate:"required,oneof=owner editor viewer"`
}

type deviceRequest struct {
	ID         string   `json:"id" validate:"omitempty,max=64"`
	Name       string   `json:"name" validate:"required,max=120"`
	Type       string   `json:"type" validate:"required,oneof=DUSTBIN SMART_BIN WATER_TANK OTHER_SENSOR"`
	Lat        *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng        *float64 `json:"lng" validate:"omitempty,longitude"`
	LastValue1 *float64 `json:"lastValue1" validate:"omitempty,gte=0,lte=100"`
	LastValue2 *float64 `json:"lastValue2" validate:"omitempty,gte=0,lte=100"`
}

func (d deviceRequest) device(groupID string) model.Device {
	return model.Device{
		ID:         d.ID,
		Name:       d.Name,
		Type:       d.Type,
		GroupID:    groupID,
		Lat:        d.Lat,
		Lng:        d.Lng,
		LastValue1: d.LastValue1,
		LastValue2: d.LastValue2,
	}
}

type readingRequest struct {
	Value1    float64    `json:"value1" validate:"gte=0,lte=100"`
	Value2    *float64   `json:"value2" validate:"omitempty,gte=0,lte=100"`
	Timestamp *time.Time `json:"timestamp"`
}

func (rr readingRequest) reading(deviceID string) model.Reading {
	r := model.Reading{DeviceID: deviceID, Value1: rr.Value1, Value2: rr.Value2}
	if rr.Timestamp != nil {
		r.Timestamp = rr.Timestamp.UTC()
	}
	return r
}
