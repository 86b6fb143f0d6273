package geo

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/ukydev/fieldtrack/internal/models"
)

// SRIDWGS84 is the spatial reference of every coordinate the engine handles.
const SRIDWGS84 = 4326

// TraceLineString converts a trace to a WGS84 line string (lon, lat order).
func TraceLineString(samples []models.LocationSample) *geom.LineString {
	flat := make([]float64, 0, 2*len(samples))
	for _, s := range samples {
		flat = append(flat, s.Location.Lon, s.Location.Lat)
	}
	return geom.NewLineStringFlat(geom.XY, flat).SetSRID(SRIDWGS84)
}

// TraceFeature wraps a trip trace as a GeoJSON feature for map consumers.
func TraceFeature(trip *models.Trip, samples []models.LocationSample) *geojson.Feature {
	return &geojson.Feature{
		ID:       trip.ID.Hex(),
		Geometry: TraceLineString(samples),
		Properties: map[string]interface{}{
			"engineer_id":        trip.EngineerID,
			"trip_number":        trip.TripNumber,
			"status":             string(trip.Status),
			"system_distance_km": trip.SystemDistanceKm,
			"has_fraud_flag":     trip.HasFraudFlag,
		},
	}
}
