package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

const defaultGammaURL = "https://gamma-api.polymarket.com"

// Client is an HTTP client for the Polymarket Gamma API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Gamma API client. An empty baseURL selects the
// public endpoint.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = defaultGammaURL
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// FetchEventsBySlug returns the events whose slug matches exactly. The Gamma
// API answers an unknown slug with an empty array.
func (c *Client) FetchEventsBySlug(ctx context.Context, slug string) (events []types.GammaEvent, err error) {
	params := url.Values{}
	params.Set("slug", slug)

	requestURL := fmt.Sprintf("%s/events?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "polyterm/1.0")

	c.logger.Debug("fetching-events", zap.String("url", requestURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Service: "gamma", StatusCode: resp.StatusCode, Body: string(body)}
	}

	err = json.Unmarshal(body, &events)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	c.logger.Debug("fetched-events",
		zap.String("slug", slug),
		zap.Int("count", len(events)))

	return events, nil
}
