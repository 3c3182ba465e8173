package domain

import "math"

// Weather is the current surface weather near the request location. Nil
// fields were not reported and do not contribute to scoring.
type Weather struct {
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
	WindSpeedMS  *float64 `json:"wind_speed_ms,omitempty"`
	WindDeg      *float64 `json:"wind_deg,omitempty"`
	Description  string   `json:"description,omitempty"`
}

func (w *Weather) empty() bool {
	return w == nil || (w.TemperatureC == nil && w.HumidityPct == nil && w.WindSpeedMS == nil)
}

// AirQuality carries the PM2.5 air quality index (US EPA scale, 0-500).
type AirQuality struct {
	PM25 float64 `json:"pm25"`
}

// Conditions is the optional context scored alongside detections.
type Conditions struct {
	Weather    *Weather    `json:"weather,omitempty"`
	AirQuality *AirQuality `json:"air_quality,omitempty"`
}

// Float returns a pointer to v, for building Weather literals.
func Float(v float64) *float64 { return &v }

// aqiBreakpoint is one row of the EPA PM2.5 AQI table (2024 revision).
type aqiBreakpoint struct {
	concLo, concHi float64
	aqiLo, aqiHi   float64
}

var pm25Breakpoints = []aqiBreakpoint{
	{0.0, 9.0, 0, 50},
	{9.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 125.4, 151, 200},
	{125.5, 225.4, 201, 300},
	{225.5, 325.4, 301, 500},
}

// AQIFromPM25 converts a 24h PM2.5 concentration in ug/m3 to the US AQI.
// Concentrations past the table saturate at 500.
func AQIFromPM25(conc float64) float64 {
	if conc <= 0 || math.IsNaN(conc) {
		return 0
	}
	c := math.Floor(conc*10) / 10
	for _, bp := range pm25Breakpoints {
		if c <= bp.concHi {
			if c < bp.concLo {
				c = bp.concLo
			}
			aqi := (bp.aqiHi-bp.aqiLo)/(bp.concHi-bp.concLo)*(c-bp.concLo) + bp.aqiLo
			return math.Round(aqi)
		}
	}
	return 500
}

// AQIHealth describes what an air quality index means for people outdoors.
type AQIHealth struct {
	Level               string `json:"level"`
	HealthConcerns      string `json:"health_concerns"`
	CautionaryStatement string `json:"cautionary_statement"`
}

// HealthImplications maps a PM2.5 index onto EPA health guidance.
func HealthImplications(aqi float64) AQIHealth {
	switch {
	case aqi <= 50:
		return AQIHealth{
			Level:               "Good",
			HealthConcerns:      "Air quality is considered satisfactory",
			CautionaryStatement: "None",
		}
	case aqi <= 100:
		return AQIHealth{
			Level:               "Moderate",
			HealthConcerns:      "Unusually sensitive individuals may experience symptoms",
			CautionaryStatement: "Consider reducing prolonged outdoor exertion",
		}
	case aqi <= 150:
		return AQIHealth{
			Level:               "Unhealthy for Sensitive Groups",
			HealthConcerns:      "Increasing likelihood of respiratory symptoms in sensitive individuals",
			CautionaryStatement: "People with respiratory or heart disease, older adults, and children should reduce prolonged outdoor exertion",
		}
	case aqi <= 200:
		return AQIHealth{
			Level:               "Unhealthy",
			HealthConcerns:      "Increased aggravation of heart or lung disease and premature mortality in people with cardiopulmonary disease",
			CautionaryStatement: "People with respiratory or heart disease, older adults, and children should avoid prolonged outdoor exertion; everyone else should limit prolonged outdoor exertion",
		}
	default:
		return AQIHealth{
			Level:               "Very Unhealthy to Hazardous",
			HealthConcerns:      "Significant aggravation of heart or lung disease and premature mortality in people with cardiopulmonary disease",
			CautionaryStatement: "Everyone should avoid all physical activity outdoors; people with respiratory or heart disease, older adults, and children should remain indoors and keep activity levels low",
		}
	}
}

var compassPoints = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// CardinalDirection maps a bearing in degrees to a 16-point compass label.
func CardinalDirection(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	idx := int(math.Round(deg/(360.0/16))) % 16
	return compassPoints[idx]
}
