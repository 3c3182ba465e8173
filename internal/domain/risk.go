package domain

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Level is an ordered wildfire risk tier.
type Level string

const (
	LevelUnknown  Level = "unknown"
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelExtreme  Level = "extreme"
)

// Severity orders levels; unknown sorts below low.
func (l Level) Severity() int {
	switch l {
	case LevelLow:
		return 1
	case LevelModerate:
		return 2
	case LevelHigh:
		return 3
	case LevelExtreme:
		return 4
	default:
		return 0
	}
}

// LevelForScore buckets a total score.
func LevelForScore(score int) Level {
	switch {
	case score >= 8:
		return LevelExtreme
	case score >= 5:
		return LevelHigh
	case score >= 3:
		return LevelModerate
	default:
		return LevelLow
	}
}

// ParseLevel reads a free-text level such as "High", "Medium" or "VERY HIGH".
func ParseLevel(s string) Level {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	text := " " + strings.Join(words, " ") + " "
	switch {
	case strings.Contains(text, " very high "), strings.Contains(text, " extreme "),
		strings.Contains(text, " critical "), strings.Contains(text, " severe "):
		return LevelExtreme
	case strings.Contains(text, " high "):
		return LevelHigh
	case strings.Contains(text, " moderate "), strings.Contains(text, " medium "):
		return LevelModerate
	case strings.Contains(text, " low "):
		return LevelLow
	default:
		return LevelUnknown
	}
}

// Component identifies one additive term of the risk score.
type Component string

const (
	ComponentDetectionCount Component = "detection_count"
	ComponentPeakIntensity  Component = "peak_intensity"
	ComponentMeanConfidence Component = "mean_confidence"
	ComponentTemperature    Component = "temperature"
	ComponentHumidity       Component = "humidity"
	ComponentWindSpeed      Component = "wind_speed"
	ComponentAirQuality     Component = "air_quality"
)

// ComponentScore records an available component, its input and its points.
type ComponentScore struct {
	Component Component `json:"component"`
	Value     float64   `json:"value"`
	Points    int       `json:"points"`
}

// ScoringProfile records which optional context took part in a score. Scores
// from different profiles are not on the same scale.
type ScoringProfile struct {
	Weather    bool `json:"weather"`
	AirQuality bool `json:"air_quality"`
}

// Name is a stable label such as "detections+weather".
func (p ScoringProfile) Name() string {
	name := "detections"
	if p.Weather {
		name += "+weather"
	}
	if p.AirQuality {
		name += "+air_quality"
	}
	return name
}

// MaxScore is the highest total reachable under the profile.
func (p ScoringProfile) MaxScore() int {
	maxScore := 3 + 3 + 2
	if p.Weather {
		maxScore += 3 + 4 + 3
	}
	if p.AirQuality {
		maxScore += 4
	}
	return maxScore
}

// Confidence labels and their numeric equivalents.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"

	confidenceHighValue   = 0.8
	confidenceMediumValue = 0.5
)

// ConfidenceLabelFor maps a [0,1] confidence onto a label.
func ConfidenceLabelFor(v float64) string {
	switch {
	case v >= 0.7:
		return ConfidenceHigh
	case v >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Assessment sources.
const (
	SourceDeterministic = "deterministic"
	SourceAI            = "ai"
)

// RiskAssessment is the scored outcome for one request.
type RiskAssessment struct {
	Level           Level            `json:"risk_level"`
	Score           int              `json:"score"`
	Confidence      float64          `json:"confidence"`
	ConfidenceLabel string           `json:"confidence_label"`
	Profile         ScoringProfile   `json:"profile"`
	Components      []ComponentScore `json:"components"`
	Summary         string           `json:"summary"`
	Observations    []string         `json:"observations"`
	Recommendations []string         `json:"recommendations"`
	AirQuality      *AQIHealth       `json:"air_quality,omitempty"`
	Urgency         string           `json:"urgency,omitempty"`
	Source          string           `json:"source"`
}

// Score computes the deterministic risk assessment. It is pure: identical
// inputs always give identical output. A nil cond scores detections alone.
func Score(detections []FireDetection, cond *Conditions) RiskAssessment {
	var weather *Weather
	var air *AirQuality
	if cond != nil {
		weather = cond.Weather
		air = cond.AirQuality
	}

	s := &scorer{}
	s.scoreDetections(detections)
	if !weather.empty() {
		s.scoreWeather(weather)
	}
	if air != nil {
		s.scoreAirQuality(air, weather)
	}

	profile := ScoringProfile{Weather: !weather.empty(), AirQuality: air != nil}
	level := LevelForScore(s.total)

	label, value := ConfidenceMedium, confidenceMediumValue
	if len(detections) > 0 || profile.Weather || profile.AirQuality {
		label, value = ConfidenceHigh, confidenceHighValue
	}

	a := RiskAssessment{
		Level:           level,
		Score:           s.total,
		Confidence:      value,
		ConfidenceLabel: label,
		Profile:         profile,
		Components:      s.components,
		Summary:         summarize(level, s.total, s.observations),
		Observations:    s.observations,
		Recommendations: recommendationsFor(level, air),
		Source:          SourceDeterministic,
	}
	if air != nil {
		health := HealthImplications(air.PM25)
		a.AirQuality = &health
	}
	if a.Observations == nil {
		a.Observations = []string{}
	}
	return a
}

type scorer struct {
	total        int
	components   []ComponentScore
	observations []string
}

func (s *scorer) add(c Component, value float64, points int, observation string) {
	s.total += points
	s.components = append(s.components, ComponentScore{Component: c, Value: value, Points: points})
	if observation != "" {
		s.observations = append(s.observations, observation)
	}
}

func (s *scorer) note(observation string) {
	s.observations = append(s.observations, observation)
}

func (s *scorer) scoreDetections(detections []FireDetection) {
	n := len(detections)
	points, obs := 0, ""
	switch {
	case n >= 10:
		points = 3
	case n >= 5:
		points = 2
	case n >= 1:
		points = 1
	}
	if n > 0 {
		obs = fmt.Sprintf("%d active fire detection(s) in the search area", n)
	}
	s.add(ComponentDetectionCount, float64(n), points, obs)
	if n == 0 {
		return
	}

	peak := detections[0].Brightness
	var confSum float64
	var confN int
	for _, d := range detections {
		if d.Brightness > peak {
			peak = d.Brightness
		}
		if c, ok := d.NumericConfidence(); ok {
			confSum += c
			confN++
		}
	}

	points, obs = 0, ""
	switch {
	case peak > 400:
		points, obs = 3, fmt.Sprintf("extreme fire intensity (peak brightness %.1fK)", peak)
	case peak > 350:
		points, obs = 2, fmt.Sprintf("high fire intensity (peak brightness %.1fK)", peak)
	case peak > 300:
		points, obs = 1, fmt.Sprintf("elevated fire intensity (peak brightness %.1fK)", peak)
	}
	s.add(ComponentPeakIntensity, peak, points, obs)

	if confN == 0 {
		return
	}
	mean := confSum / float64(confN)
	points, obs = 0, ""
	switch {
	case mean > 80:
		points, obs = 2, fmt.Sprintf("high detection confidence (mean %.0f%%)", mean)
	case mean > 50:
		points, obs = 1, fmt.Sprintf("moderate detection confidence (mean %.0f%%)", mean)
	}
	s.add(ComponentMeanConfidence, mean, points, obs)
}

func (s *scorer) scoreWeather(w *Weather) {
	if w.TemperatureC != nil {
		t := *w.TemperatureC
		points, obs := 0, ""
		switch {
		case t > 32:
			points, obs = 3, fmt.Sprintf("high temperature (%.1f°C)", t)
		case t > 27:
			points, obs = 1, fmt.Sprintf("elevated temperature (%.1f°C)", t)
		}
		s.add(ComponentTemperature, t, points, obs)
	}

	if w.HumidityPct != nil {
		h := *w.HumidityPct
		points, obs := 0, ""
		switch {
		case h < 20:
			points, obs = 4, fmt.Sprintf("critically low humidity (%s%%)", formatNumber(h))
		case h < 30:
			points, obs = 2, fmt.Sprintf("low humidity (%s%%)", formatNumber(h))
		}
		s.add(ComponentHumidity, h, points, obs)
	}

	if w.WindSpeedMS != nil {
		ws := *w.WindSpeedMS
		points, obs := 0, ""
		switch {
		case ws > 15:
			points, obs = 3, fmt.Sprintf("high wind speed (%.1f m/s)", ws)
		case ws > 8:
			points, obs = 1, fmt.Sprintf("moderate wind speed (%.1f m/s)", ws)
		}
		s.add(ComponentWindSpeed, ws, points, obs)
	}
}

func (s *scorer) scoreAirQuality(air *AirQuality, w *Weather) {
	aqi := air.PM25
	points := 0
	switch {
	case aqi > 200:
		points = 4
	case aqi > 150:
		points = 3
	case aqi > 100:
		points = 2
	case aqi > 50:
		points = 1
	}
	s.add(ComponentAirQuality, aqi, points,
		fmt.Sprintf("Air Quality (PM2.5): %s - %s", formatNumber(aqi), HealthImplications(aqi).Level))

	if aqi > 100 {
		s.note("elevated smoke levels detected")
		if w != nil && w.WindDeg != nil {
			// Wind direction is where the wind blows from; smoke drifts the other way.
			s.note("smoke likely moving " + CardinalDirection(*w.WindDeg+180))
		}
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
