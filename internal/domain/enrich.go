package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Generator produces free text for a prompt. Implementations may be slow,
// fail, or return text that does not follow the requested layout.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrUnparsableResponse is returned when generated text has no usable risk level.
var ErrUnparsableResponse = errors.New("ai response has no recognizable risk level")

// PromptInput is everything the enrichment prompt describes.
type PromptInput struct {
	Request     AnalysisRequest
	Detections  []FireDetection
	Conditions  *Conditions
	Baseline    RiskAssessment
	GeneratedAt time.Time
}

// BuildPrompt renders the enrichment prompt, ending with the response layout
// that ParseAIResponse reads.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString("# Wildfire Risk Analysis\n")
	fmt.Fprintf(&b, "## Location: %.4f, %.4f (radius %s km)\n",
		in.Request.Center.Lat, in.Request.Center.Lng, formatNumber(in.Request.RadiusKm))
	fmt.Fprintf(&b, "## Window: last %d day(s)\n", in.Request.Days)
	if !in.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "## Timestamp: %s\n", in.GeneratedAt.UTC().Format(time.RFC3339))
	}

	if in.Conditions != nil && !in.Conditions.Weather.empty() {
		w := in.Conditions.Weather
		b.WriteString("\n## Weather Conditions\n")
		writeOptional(&b, "Temperature", w.TemperatureC, "°C")
		writeOptional(&b, "Humidity", w.HumidityPct, "%")
		writeOptional(&b, "Wind speed", w.WindSpeedMS, " m/s")
		if w.WindDeg != nil {
			fmt.Fprintf(&b, "- Wind direction: %s (%s°)\n", CardinalDirection(*w.WindDeg), formatNumber(*w.WindDeg))
		}
		if w.Description != "" {
			fmt.Fprintf(&b, "- Conditions: %s\n", w.Description)
		}
	}
	if in.Conditions != nil && in.Conditions.AirQuality != nil {
		aqi := in.Conditions.AirQuality.PM25
		health := HealthImplications(aqi)
		b.WriteString("\n## Air Quality\n")
		fmt.Fprintf(&b, "- PM2.5 index: %s (%s)\n", formatNumber(aqi), health.Level)
		fmt.Fprintf(&b, "- Health concerns: %s\n", health.HealthConcerns)
	}

	b.WriteString("\n## Fire Detections\n")
	if len(in.Detections) == 0 {
		b.WriteString("- NASA FIRMS: no active detections reported\n")
	} else {
		fmt.Fprintf(&b, "- NASA FIRMS: %d active detection(s)\n", len(in.Detections))
		for _, line := range sensorBreakdown(in.Detections) {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
		top := in.Detections[0]
		for _, d := range in.Detections[1:] {
			if d.Brightness > top.Brightness {
				top = d
			}
		}
		fmt.Fprintf(&b, "  - Most intense: brightness %.1fK, date %s, FRP %.1f MW, confidence %s\n",
			top.Brightness, top.AcquisitionDate, top.FirePower, top.Confidence)
	}

	b.WriteString("\n## Baseline Assessment\n")
	fmt.Fprintf(&b, "- Deterministic level: %s (score %d of %d, profile %s)\n",
		in.Baseline.Level, in.Baseline.Score, in.Baseline.Profile.MaxScore(), in.Baseline.Profile.Name())
	for _, obs := range in.Baseline.Observations {
		fmt.Fprintf(&b, "- %s\n", obs)
	}

	b.WriteString(`
## Analysis Instructions
1. Assess the current wildfire risk for this location.
2. Weigh fire detections against weather and air quality.
3. Note likely smoke movement and spread direction where wind data allows.
4. Give specific, actionable safety recommendations.

Respond using exactly this layout:
**Risk Level**: <Low|Moderate|High|Extreme>
**Confidence**: <0-100>%
**Urgency**: <one short sentence>
**Key Observations**
- <observation>
**Recommendations**
- <recommendation>
`)
	return b.String()
}

func writeOptional(b *strings.Builder, label string, v *float64, unit string) {
	if v != nil {
		fmt.Fprintf(b, "- %s: %s%s\n", label, formatNumber(*v), unit)
	}
}

func sensorBreakdown(detections []FireDetection) []string {
	counts := make(map[string]int)
	for _, d := range detections {
		counts[d.SensorType]++
	}
	sensors := make([]string, 0, len(counts))
	for s := range counts {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)
	lines := make([]string, len(sensors))
	for i, s := range sensors {
		lines[i] = fmt.Sprintf("satellite %s: %d", s, counts[s])
	}
	return lines
}

// AIAnalysis is the structured content read back from generated text.
type AIAnalysis struct {
	Level           Level
	Confidence      float64 // [0,1]; zero when not reported
	Urgency         string
	Observations    []string
	Recommendations []string
}

type aiSection int

const (
	sectionNone aiSection = iota
	sectionObservations
	sectionRecommendations
)

// ParseAIResponse reads the layout requested by BuildPrompt. Headers may be
// bold or plain and bullets may use "-", "*", "•" or numbers.
func ParseAIResponse(text string) (AIAnalysis, error) {
	var out AIAnalysis
	section := sectionNone

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if item, ok := bulletText(line); ok {
			switch section {
			case sectionObservations:
				out.Observations = append(out.Observations, item)
			case sectionRecommendations:
				out.Recommendations = append(out.Recommendations, item)
			}
			continue
		}

		key, value := splitHeader(line)
		switch {
		case strings.HasPrefix(key, "risk level"):
			out.Level = ParseLevel(value)
			section = sectionNone
		case strings.HasPrefix(key, "confidence"):
			out.Confidence = parsePercent(value)
			section = sectionNone
		case strings.HasPrefix(key, "urgency"):
			out.Urgency = value
			section = sectionNone
		case strings.Contains(key, "observation"):
			section = sectionObservations
		case strings.HasPrefix(key, "recommendation"):
			section = sectionRecommendations
		}
	}

	if out.Level == LevelUnknown || out.Level == "" {
		return AIAnalysis{}, ErrUnparsableResponse
	}
	return out, nil
}

// splitHeader turns "**Risk Level**: High" or "## Risk Level: High" into
// ("risk level", "High").
func splitHeader(line string) (string, string) {
	s := strings.TrimLeft(line, "# ")
	s = strings.ReplaceAll(s, "**", "")
	key, value, _ := strings.Cut(s, ":")
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)
}

func bulletText(line string) (string, bool) {
	if strings.HasPrefix(line, "**") {
		return "", false
	}
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return cleanItem(line[len(prefix):])
		}
	}
	// "1. text" or "1) text"
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' ' {
		return cleanItem(line[i+2:])
	}
	return "", false
}

func cleanItem(s string) (string, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "**", ""))
	return s, s != ""
}

// parsePercent accepts "85%", "85" or "0.85" and returns a value in [0,1].
func parsePercent(s string) float64 {
	s = strings.TrimSpace(s)
	if f := strings.Fields(s); len(f) > 0 {
		s = f[0]
	}
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || v < 0 {
		return 0
	}
	if pct || v > 1 {
		v /= 100
	}
	if v > 1 {
		v = 1
	}
	return v
}

// EnrichWithAI asks gen for an assessment and merges it over baseline. On any
// failure baseline is returned unchanged together with the error, so callers
// can always respond (graceful degradation). The deterministic score,
// components and profile are kept; level, confidence, observations and
// urgency come from the model. Baseline safety recommendations are always kept.
func EnrichWithAI(ctx context.Context, baseline RiskAssessment, gen Generator, prompt string, logger *slog.Logger) (RiskAssessment, error) {
	if gen == nil {
		return baseline, nil
	}

	text, err := gen.Generate(ctx, prompt)
	if err != nil {
		logger.Warn("ai enrichment failed", "stage", "generate", "error", err)
		return baseline, fmt.Errorf("generate: %w", err)
	}
	parsed, err := ParseAIResponse(text)
	if err != nil {
		logger.Warn("ai enrichment failed", "stage", "parse", "response_bytes", len(text), "error", err)
		return baseline, err
	}

	enriched := baseline
	enriched.Level = parsed.Level
	enriched.Source = SourceAI
	enriched.Urgency = parsed.Urgency
	if parsed.Confidence > 0 {
		enriched.Confidence = parsed.Confidence
		enriched.ConfidenceLabel = ConfidenceLabelFor(parsed.Confidence)
	}
	if len(parsed.Observations) > 0 {
		enriched.Observations = parsed.Observations
	} else {
		enriched.Observations = append([]string(nil), baseline.Observations...)
	}
	if len(parsed.Recommendations) > 0 {
		enriched.Recommendations = mergeRecommendations(parsed.Recommendations)
	} else {
		enriched.Recommendations = append([]string(nil), baseline.Recommendations...)
	}
	return enriched, nil
}

// mergeRecommendations puts the baseline safety list first, then the model's
// items without duplicates, then the sources line.
func mergeRecommendations(generated []string) []string {
	seen := make(map[string]bool, len(BaselineRecommendations)+len(generated))
	out := make([]string, 0, len(BaselineRecommendations)+len(generated)+1)
	for _, r := range append(append([]string(nil), BaselineRecommendations...), generated...) {
		k := strings.ToLower(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return append(out, SourcesNote)
}
