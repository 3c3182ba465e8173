package domain

import (
	"fmt"
	"strings"
)

// BaselineRecommendations appear in every assessment regardless of level.
var BaselineRecommendations = []string{
	"Monitor local emergency alerts and weather reports",
	"Review and be prepared to execute your wildfire action plan",
	"Keep emergency supplies ready including N95 masks, go-bags, and important documents",
}

var (
	lowRiskRecommendations = []string{
		"Maintain defensible space around your property (30-100 feet recommended by NFPA)",
		"Clear gutters and roof of dry leaves and debris",
		"Test smoke detectors and fire extinguishers",
	}
	moderateRiskRecommendations = []string{
		"Avoid outdoor burning and equipment that could create sparks",
		"Keep vehicles off dry grass",
		"Have a plan for pets and livestock",
		"Charge electronic devices in case of power outages",
	}
	highRiskRecommendations = []string{
		"Be prepared to evacuate if ordered by local officials",
		"Wear N95 masks to reduce smoke inhalation",
		"Move flammable items away from your home (patio furniture, firewood, etc.)",
		"Connect garden hoses and fill water containers",
		"Park vehicles facing the direction of escape",
		"Keep headlights on and garage doors closed if evacuating",
	}
	unhealthyAirRecommendations = []string{
		"Limit outdoor activities due to poor air quality",
		"Use N95 masks if going outside",
		"Keep windows and doors closed",
		"Use air purifiers if available",
	}
	sensitiveAirRecommendations = []string{
		"Sensitive groups should limit outdoor activities",
		"Keep windows closed if air quality worsens",
	}
)

// SourcesNote closes every recommendation list.
const SourcesNote = "Sources: National Interagency Fire Center, US Forest Service, Ready.gov, NFPA, AirNow Fire and Smoke Map, US EPA Air Quality Index"

func recommendationsFor(level Level, air *AirQuality) []string {
	recs := make([]string, 0, 16)
	recs = append(recs, BaselineRecommendations...)

	switch level {
	case LevelHigh, LevelExtreme:
		recs = append(recs, highRiskRecommendations...)
	case LevelModerate:
		recs = append(recs, moderateRiskRecommendations...)
	default:
		recs = append(recs, lowRiskRecommendations...)
	}

	if air != nil {
		switch {
		case air.PM25 > 150:
			recs = append(recs, unhealthyAirRecommendations...)
		case air.PM25 > 100:
			recs = append(recs, sensitiveAirRecommendations...)
		}
	}

	return append(recs, SourcesNote)
}

func summarize(level Level, score int, observations []string) string {
	if score == 0 {
		return "No significant fire risk indicators detected based on current conditions."
	}
	switch level {
	case LevelExtreme:
		return fmt.Sprintf("Extreme fire danger. Critical conditions detected: %s. Extreme caution advised. Consider evacuation if near affected areas.",
			firstN(observations, 1))
	case LevelHigh:
		return fmt.Sprintf("High fire risk detected. Key factors: %s.", firstN(observations, 4))
	case LevelModerate:
		return fmt.Sprintf("Moderate fire risk detected. Primary factors: %s.", firstN(observations, 3))
	default:
		return fmt.Sprintf("Low fire risk. Observed factors: %s.", firstN(observations, 3))
	}
}

func firstN(items []string, n int) string {
	if len(items) < n {
		n = len(items)
	}
	return strings.Join(items[:n], ", ")
}
