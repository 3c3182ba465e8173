// Package openweather supplies current weather and air-quality context from
// the OpenWeather API.
package openweather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couchcryptid/wildfire-risk-service/internal/config"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

const (
	upstreamName = "openweather"
	maxErrorBody = 512
)

// Client implements analysis.ConditionsProvider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates an OpenWeather client.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  cfg.OpenWeatherAPIKey,
		baseURL: strings.TrimRight(cfg.OpenWeatherBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        upstreamName,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		}),
		logger: logger,
	}
}

// Conditions returns current weather at the point, plus the PM2.5 index when
// the air-pollution endpoint answers. Weather failure is an error; missing air
// quality is logged and left out.
func (c *Client) Conditions(ctx context.Context, at domain.Coordinates) (domain.Conditions, error) {
	w, err := c.weather(ctx, at)
	if err != nil {
		return domain.Conditions{}, err
	}
	cond := domain.Conditions{Weather: &w}

	air, err := c.airQuality(ctx, at)
	if err != nil {
		c.logger.Warn("air quality lookup failed", "lat", at.Lat, "lng", at.Lng, "error", err)
		return cond, nil
	}
	cond.AirQuality = air
	return cond, nil
}

func (c *Client) weather(ctx context.Context, at domain.Coordinates) (domain.Weather, error) {
	var payload weatherResponse
	if err := c.get(ctx, "/data/2.5/weather", at, url.Values{"units": {"metric"}}, &payload); err != nil {
		return domain.Weather{}, fmt.Errorf("current weather: %w", err)
	}

	w := domain.Weather{
		TemperatureC: payload.Main.Temp,
		HumidityPct:  payload.Main.Humidity,
		WindSpeedMS:  payload.Wind.Speed,
		WindDeg:      payload.Wind.Deg,
	}
	if len(payload.Weather) > 0 {
		w.Description = payload.Weather[0].Description
	}
	return w, nil
}

func (c *Client) airQuality(ctx context.Context, at domain.Coordinates) (*domain.AirQuality, error) {
	var payload airPollutionResponse
	if err := c.get(ctx, "/data/2.5/air_pollution", at, nil, &payload); err != nil {
		return nil, fmt.Errorf("air pollution: %w", err)
	}
	if len(payload.List) == 0 || payload.List[0].Components.PM25 == nil {
		return nil, domain.ErrEmptyResponse
	}
	return &domain.AirQuality{PM25: domain.AQIFromPM25(*payload.List[0].Components.PM25)}, nil
}

func (c *Client) get(ctx context.Context, path string, at domain.Coordinates, extra url.Values, out any) error {
	params := url.Values{
		"lat":   {strconv.FormatFloat(at.Lat, 'f', 4, 64)},
		"lon":   {strconv.FormatFloat(at.Lng, 'f', 4, 64)},
		"appid": {c.apiKey},
	}
	for k, v := range extra {
		params[k] = v
	}
	fullURL := c.baseURL + path + "?" + params.Encode()

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doRequest(ctx, fullURL, out)
	})
	return err
}

func (c *Client) doRequest(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// OpenWeather API response types. Pointers distinguish absent readings from
// zero readings.

type weatherResponse struct {
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

type airPollutionResponse struct {
	List []struct {
		Components struct {
			PM25 *float64 `json:"pm2_5"`
		} `json:"components"`
	} `json:"list"`
}
