// Package firms fetches active fire detections from the NASA FIRMS area API.
package firms

import (
	"context"
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
	upstreamName = "firms"
	maxErrorBody = 512
)

// Client implements analysis.Fetcher. The raw CSV body is returned untouched;
// normalization happens downstream.
type Client struct {
	mapKey     string
	source     string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates a FIRMS client for the configured map key and product.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		mapKey:  cfg.FIRMSMapKey,
		source:  cfg.FIRMSSource,
		baseURL: strings.TrimRight(cfg.FIRMSBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		breaker: newBreaker(logger),
		logger:  logger,
	}
}

func newBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        upstreamName,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Fetch returns the detections inside bbox over the last days days. An empty
// body is a valid "no fires" answer.
func (c *Client) Fetch(ctx context.Context, bbox domain.BoundingBox, days int) ([]byte, error) {
	u := fmt.Sprintf("%s/api/area/csv/%s/%s/%s/%s",
		c.baseURL,
		url.PathEscape(c.mapKey),
		url.PathEscape(c.source),
		bbox.Area(),
		strconv.Itoa(days),
	)

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, u)
	})
	if err != nil {
		return nil, fmt.Errorf("firms fetch: %w", err)
	}
	body, _ := result.([]byte)
	c.logger.Debug("firms fetch complete", "area", bbox.Area(), "days", days, "bytes", len(body))
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("area request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.UpstreamError{
			Upstream:   upstreamName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
