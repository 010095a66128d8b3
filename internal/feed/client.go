// Package feed pulls independently reported attendance metrics from an
// external HTTP service.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"attendsync/internal/register"
)

// Client is a small HTTP client for the metrics service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// MetricsResponse is the body of GET /api/v1/metrics.
type MetricsResponse struct {
	Records []register.MetricsRecord `json:"records"`
}

// NewClient constructs a client with baseURL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// UseRedisCache configures optional Redis caching of responses.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// MonthMetrics fetches the metrics of punchCodes for a YYYY-MM month.
func (c *Client) MonthMetrics(ctx context.Context, month string, punchCodes []string) ([]register.MetricsRecord, error) {
	q := url.Values{}
	q.Set("month", month)
	q.Set("punchCodes", strings.Join(punchCodes, ","))
	endpoint := fmt.Sprintf("%s/api/v1/metrics?%s", c.baseURL, q.Encode())
	cacheKey := fmt.Sprintf("attendsync:feed:%s:%s", month, strings.Join(punchCodes, ","))

	var resp MetricsResponse
	if c.readCache(ctx, cacheKey, &resp) {
		return resp.Records, nil
	}
	if err := c.doGet(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("fetch metrics %s: %w", month, err)
	}
	c.writeCache(ctx, cacheKey, resp)
	return resp.Records, nil
}

// HealthCheck checks if the metrics service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
