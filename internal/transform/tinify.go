package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/tinifyd/internal/imagetype"
	"github.com/openmined/tinifyd/internal/version"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const (
	DefaultHost    = "api.tinify.com"
	DefaultTimeout = 60 * time.Second

	shrinkPath          = "/shrink"
	headerCompressCount = "Compression-Count"
	limiterKey          = "tinify"
)

var (
	ErrNoKey       = errors.New("tinify: api key missing")
	ErrNoOutputURL = errors.New("tinify: response has no output url")
)

// APIError is the error body returned by the Tinify API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tinify: %d %s - %s", e.Status, e.Code, e.Message)
}

type shrinkResult struct {
	Input struct {
		Size int64  `json:"size"`
		Type string `json:"type"`
	} `json:"input"`
	Output struct {
		Size  int64   `json:"size"`
		Type  string  `json:"type"`
		Ratio float64 `json:"ratio"`
		URL   string  `json:"url"`
	} `json:"output"`
}

// TinifyConfig configures the Tinify client.
type TinifyConfig struct {
	Host    string
	Key     string
	Timeout time.Duration
	// RateLimit caps requests per minute. Zero disables the limit.
	RateLimit int64
}

// Tinify calls the Tinify shrink API.
type Tinify struct {
	client  *req.Client
	limiter *limiter.Limiter
}

func NewTinify(cfg TinifyConfig) (*Tinify, error) {
	if cfg.Key == "" {
		return nil, ErrNoKey
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := req.C().
		SetBaseURL(baseURL(cfg.Host)).
		SetTimeout(cfg.Timeout).
		SetUserAgent(version.UserAgent()).
		SetCommonBasicAuth("api", cfg.Key).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	t := &Tinify{client: client}
	if cfg.RateLimit > 0 {
		t.limiter = limiter.New(memory.NewStore(), limiter.Rate{
			Period: time.Minute,
			Limit:  cfg.RateLimit,
		})
	}
	return t, nil
}

// Transform uploads content and downloads the compressed result.
func (t *Tinify) Transform(ctx context.Context, content []byte) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	var result shrinkResult
	var apiErr APIError
	res, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", imagetype.Detect(content)).
		SetBody(content).
		SetSuccessResult(&result).
		SetErrorResult(&apiErr).
		Post(shrinkPath)
	if err := handleAPIError(res, err, &apiErr, "shrink"); err != nil {
		return nil, err
	}

	if count := res.GetHeader(headerCompressCount); count != "" {
		slog.Debug("tinify shrink", "compressions", count, "ratio", result.Output.Ratio)
	}

	url := result.Output.URL
	if url == "" {
		url = res.GetHeader("Location")
	}
	if url == "" {
		return nil, ErrNoOutputURL
	}

	apiErr = APIError{}
	res, err = t.client.R().
		SetContext(ctx).
		SetErrorResult(&apiErr).
		Get(url)
	if err := handleAPIError(res, err, &apiErr, "download"); err != nil {
		return nil, err
	}

	return res.Bytes(), nil
}

// wait blocks until the rate limiter admits one more request.
func (t *Tinify) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	for {
		lctx, err := t.limiter.Get(ctx, limiterKey)
		if err != nil {
			return fmt.Errorf("tinify rate limit: %w", err)
		}
		if !lctx.Reached {
			return nil
		}

		delay := time.Until(time.Unix(lctx.Reset, 0))
		if delay <= 0 {
			delay = time.Second
		}
		slog.Debug("tinify rate limit reached", "wait", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func handleAPIError(res *req.Response, requestErr error, apiErr *APIError, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("tinify %s: %w", operation, requestErr)
	}
	if res.IsErrorState() {
		apiErr.Status = res.StatusCode
		if apiErr.Code == "" {
			apiErr.Code = res.Status
		}
		return fmt.Errorf("tinify %s: %w", operation, apiErr)
	}
	return nil
}

func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + strings.TrimSuffix(host, "/")
}

var _ Transformer = (*Tinify)(nil)
