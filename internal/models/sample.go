package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LocationSample is one position report pushed by an engineer's device.
// Samples are immutable once stored and strictly ordered by Timestamp per engineer.
type LocationSample struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	EngineerID string              `bson:"engineer_id" json:"engineer_id"`
	CompanyID  string              `bson:"company_id,omitempty" json:"company_id,omitempty"`
	TripID     *primitive.ObjectID `bson:"trip_id,omitempty" json:"trip_id,omitempty"`
	Timestamp  time.Time           `bson:"timestamp" json:"timestamp"`
	Location   Location            `bson:"location" json:"location"`
	Speed      *float64            `bson:"speed,omitempty" json:"speed,omitempty"`       // km/h as reported by the device
	Heading    *float64            `bson:"heading,omitempty" json:"heading,omitempty"`   // degrees 0-360
	Accuracy   *float64            `bson:"accuracy,omitempty" json:"accuracy,omitempty"` // meters
	ReceivedAt time.Time           `bson:"received_at" json:"received_at"`
}

// LocationReport is the wire form of a sample sent by the mobile client,
// over HTTP or MQTT. Engineer identity comes from the transport.
type LocationReport struct {
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

func (r LocationReport) Sample(engineerID string, receivedAt time.Time) LocationSample {
	return LocationSample{
		EngineerID: engineerID,
		Timestamp:  r.Timestamp,
		Location:   Location{Lat: r.Lat, Lon: r.Lon},
		Speed:      r.Speed,
		Heading:    r.Heading,
		Accuracy:   r.Accuracy,
		ReceivedAt: receivedAt,
	}
}
