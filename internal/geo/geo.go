// Package geo provides great-circle distance, trace filtering and trace
// geometry for engineer location samples.
package geo

import (
	"math"
	"time"

	"github.com/ukydev/fieldtrack/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometers.
func HaversineKm(a, b models.Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return earthRadiusKm * c
}

// Offset moves base by the given kilometers north and east using a local
// flat-earth approximation, which is accurate enough for city-scale routes.
func Offset(base models.Location, northKm, eastKm float64) models.Location {
	latKmPerDeg := earthRadiusKm * math.Pi / 180
	lonKmPerDeg := latKmPerDeg * math.Cos(base.Lat*math.Pi/180)
	return models.Location{
		Lat: base.Lat + northKm/latKmPerDeg,
		Lon: base.Lon + eastKm/lonKmPerDeg,
	}
}

// SpeedKmh returns the implied speed of covering km in d.
func SpeedKmh(km float64, d time.Duration) float64 {
	if d <= 0 {
		return math.Inf(1)
	}
	return km / d.Hours()
}
