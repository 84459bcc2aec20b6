// Package llm submits correction requests to an OpenAI-compatible chat
// completions endpoint (OpenRouter by default).
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"selection-grammar-llm/src/correction"
	"selection-grammar-llm/src/observe"
	"selection-grammar-llm/src/presets"
)

const (
	DefaultBaseURL        = "https://openrouter.ai/api/v1"
	DefaultTimeout        = 15 * time.Second
	DefaultMaxRetries     = 2
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxInputBytes  = 16 * 1024
	DefaultTemperature    = 0.2

	maxBackoff = 4 * time.Second
	appTitle   = "Selection Grammar LLM"
)

var errEmptyChoices = errors.New("no choices in API response")

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	Providers []string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt for
	// transient failures.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxInputBytes  int
	Temperature    float64
	// CacheTTL enables the response cache when positive.
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = DefaultMaxInputBytes
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the correction service client. It is safe for concurrent use.
type Client struct {
	cfg        Config
	api        oai.Client
	presets    *presets.Registry
	cache      *ttlcache.Cache[string, string]
	metrics    *observe.Metrics
	httpClient *http.Client
}

// New validates cfg and returns a Client. Call Close to stop the cache.
func New(cfg Config, reg *presets.Registry, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	cfg.applyDefaults()
	if reg == nil {
		reg = presets.New()
	}

	c := &Client{cfg: cfg, presets: reg}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.Default()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
		option.WithHeader("X-Title", appTitle),
	}
	if c.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.httpClient))
	}
	c.api = oai.NewClient(reqOpts...)

	if cfg.CacheTTL > 0 {
		c.cache = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
		go c.cache.Start()
	}
	return c, nil
}

// Close releases background resources.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Stop()
	}
}

// Submit sends req and returns the raw reply text. Transient failures are
// retried with exponential backoff; everything else returns at once with a
// typed correction.Error. Cancelling ctx abandons the call and returns
// correction.KindCancelled.
func (c *Client) Submit(ctx context.Context, req correction.Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", correction.Unavailable(correction.ReasonEmpty, nil)
	}
	if len(req.Text) > c.cfg.MaxInputBytes {
		return "", correction.New(correction.KindPayloadTooLarge, "",
			fmt.Errorf("%d bytes exceeds limit of %d", len(req.Text), c.cfg.MaxInputBytes))
	}

	system, err := systemPrompt(req, c.presets)
	if err != nil {
		return "", err
	}

	key := c.cacheKey(req)
	if c.cache != nil {
		if item := c.cache.Get(key); item != nil {
			slog.Debug("llm: cache hit", "mode", req.Mode, "len", len(req.Text))
			c.metrics.CacheHits.Add(ctx, 1)
			return item.Value(), nil
		}
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.Model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(req.Text),
		},
		Temperature: param.NewOpt(c.cfg.Temperature),
	}

	start := time.Now()
	raw, err := c.submitWithRetry(ctx, params, c.requestOptions())
	c.metrics.ServiceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	if c.cache != nil && strings.TrimSpace(raw) != "" {
		c.cache.Set(key, raw, ttlcache.DefaultTTL)
	}
	return raw, nil
}

// Ping checks that the endpoint answers with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if _, err := c.api.Models.List(pingCtx); err != nil {
		return c.classify(ctx, pingCtx, err)
	}
	return nil
}

func (c *Client) requestOptions() []option.RequestOption {
	if len(c.cfg.Providers) == 0 {
		return nil
	}
	return []option.RequestOption{
		option.WithJSONSet("provider", map[string]any{
			"order":           c.cfg.Providers,
			"allow_fallbacks": false,
		}),
	}
}

func (c *Client) submitWithRetry(ctx context.Context, params oai.ChatCompletionNewParams, reqOpts []option.RequestOption) (string, error) {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			slog.Info("llm: retrying", "attempt", attempt+1, "of", attempts, "delay", delay, "err", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return "", correction.Cancelled(err)
			}
		}

		raw, err := c.attempt(ctx, params, reqOpts)
		if err == nil {
			c.metrics.RecordAttempt(ctx, "ok")
			return raw, nil
		}
		kind := correction.KindOf(err)
		c.metrics.RecordAttempt(ctx, kind.String())
		if !kind.Transient() {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("correction service failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, params oai.ChatCompletionNewParams, reqOpts []option.RequestOption) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.Chat.Completions.New(attemptCtx, params, reqOpts...)
	if err != nil {
		return "", c.classify(ctx, attemptCtx, err)
	}
	if len(resp.Choices) == 0 {
		return "", correction.New(correction.KindNetwork, "", errEmptyChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps a transport or API error to a correction.Error. parent is
// the caller's context and attemptCtx the per-attempt one.
func (c *Client) classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return correction.Cancelled(parent.Err())
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return correction.New(correction.KindNetwork, correction.ReasonTimeout,
			fmt.Errorf("no reply within %s: %w", c.cfg.Timeout, err))
	}
	return correction.New(correction.KindNetwork, "", err)
}

func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return correction.New(correction.KindAPIAuth, "", err)
	case code == http.StatusPaymentRequired || code == http.StatusTooManyRequests:
		return correction.New(correction.KindAPIQuota, "", err)
	case code == http.StatusRequestEntityTooLarge:
		return correction.New(correction.KindPayloadTooLarge, "", err)
	case code == http.StatusRequestTimeout || code >= 500:
		return correction.New(correction.KindNetwork, "", err)
	case code >= 400:
		return correction.New(correction.KindRequestRejected, "", err)
	default:
		return correction.New(correction.KindNetwork, "", err)
	}
}

// backoff returns the delay before retry number attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func (c *Client) cacheKey(req correction.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", c.cfg.Model, req.Mode, req.Style, req.Language)
	h.Write([]byte(req.Text))
	return hex.EncodeToString(h.Sum(nil))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
