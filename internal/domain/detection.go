package domain

import (
	"math"
	"strconv"
	"strings"
)

// DateLayout is the FIRMS acq_date format.
const DateLayout = "2006-01-02"

// kmPerDegree approximates one degree of latitude in kilometres.
const kmPerDegree = 111.0

// FireDetection is one satellite hotspot observation in canonical form.
type FireDetection struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Brightness      float64 `json:"brightness"`
	AcquisitionDate string  `json:"acq_date"`
	Confidence      string  `json:"confidence"` // "87", "nominal", "h", ...
	FirePower       float64 `json:"frp"`        // megawatts
	DayNight        string  `json:"daynight"`
	SensorType      string  `json:"satellite"`
}

// NumericConfidence returns the confidence as a percentage when the sensor
// reported one. Class-style confidences ("low", "n", "high") report false.
func (d FireDetection) NumericConfidence() (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(d.Confidence), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Coordinates is a WGS-84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within the WGS-84 range.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// BoundingBox is a rectangular query region in degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BoundingBoxAround returns the box radiusKm around center, clamped to the
// valid coordinate range.
func BoundingBoxAround(center Coordinates, radiusKm float64) BoundingBox {
	delta := math.Abs(radiusKm) / kmPerDegree
	return BoundingBox{
		North: math.Min(90, center.Lat+delta),
		South: math.Max(-90, center.Lat-delta),
		East:  math.Min(180, center.Lng+delta),
		West:  math.Max(-180, center.Lng-delta),
	}
}

// Area formats the box in FIRMS area order: west,south,east,north.
func (b BoundingBox) Area() string {
	return strings.Join([]string{
		formatCoord(b.West),
		formatCoord(b.South),
		formatCoord(b.East),
		formatCoord(b.North),
	}, ",")
}

// Contains reports whether the point falls inside the box (edges inclusive).
func (b BoundingBox) Contains(c Coordinates) bool {
	return c.Lat >= b.South && c.Lat <= b.North && c.Lng >= b.West && c.Lng <= b.East
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// AnalysisRequest is one inbound request for a location risk analysis.
type AnalysisRequest struct {
	Center   Coordinates `json:"coordinates"`
	RadiusKm float64     `json:"radius_km"`
	Days     int         `json:"days"`
}

// ParseDateRange converts a window like "7d" (or a bare "7") into whole days.
// FIRMS limits area queries to 1-10 days.
func ParseDateRange(s string) (int, bool) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "d")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 10 {
		return 0, false
	}
	return n, true
}

// firmsSources are the FIRMS area API products.
var firmsSources = map[string]bool{
	"MODIS_NRT":        true,
	"MODIS_SP":         true,
	"VIIRS_SNPP_NRT":   true,
	"VIIRS_SNPP_SP":    true,
	"VIIRS_NOAA20_NRT": true,
	"VIIRS_NOAA20_SP":  true,
	"VIIRS_NOAA21_NRT": true,
	"LANDSAT_NRT":      true,
}

// ValidFIRMSSource reports whether s names a FIRMS area API product.
func ValidFIRMSSource(s string) bool {
	return firmsSources[s]
}
