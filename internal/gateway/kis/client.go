package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kistra/internal/config"
	"kistra/internal/logger"
	"kistra/internal/types"

	"github.com/tidwall/gjson"
)

// BrokerError wraps a failed KIS call. Transient errors are retried for
// non-order requests; order submissions never auto-retry.
type BrokerError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("kis %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable broker failure.
func IsTransient(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Transient
}

const (
	maxRetries       = 3
	retryBackoffBase = time.Second
)

// Client talks to the KIS domestic-stock REST API. One instance is shared by
// the whole process; token refresh is mutually exclusive.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	appKey         string
	appSecret      string
	accountNo      string
	accountProduct string
	mode           types.Mode

	tokenMu        sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
	tokenIssuedDay string

	rateMu      sync.Mutex
	lastRequest time.Time
	requestGap  time.Duration

	balanceMu       sync.Mutex
	balanceCache    types.Balance
	balanceCacheAge time.Duration

	outageMu        sync.Mutex
	failingSince    time.Time
	outageThreshold time.Duration

	now func() time.Time
}

// NewClient constructs a KIS client from configuration.
func NewClient(cfg config.KISConfig, mode types.Mode) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("kis.base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing kis.base_url failed: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	product := strings.TrimSpace(cfg.AccountProduct)
	if product == "" {
		product = "01"
	}
	return &Client{
		baseURL:         parsed,
		httpClient:      &http.Client{Timeout: timeout},
		appKey:          strings.TrimSpace(cfg.AppKey),
		appSecret:       strings.TrimSpace(cfg.AppSecret),
		accountNo:       strings.TrimSpace(cfg.AccountNo),
		accountProduct:  product,
		mode:            mode,
		requestGap:      time.Duration(cfg.MinRequestGapMillis) * time.Millisecond,
		balanceCacheAge: time.Duration(cfg.BalanceCacheSeconds) * time.Second,
		outageThreshold: time.Duration(cfg.OutageThresholdSecond) * time.Second,
		now:             time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// trID resolves the transaction id for an operation. Paper (VTS) and real
// accounts use different prefixes; quote endpoints are shared.
func (c *Client) trID(op string) string {
	real := c.mode == types.ModeReal
	switch op {
	case "price":
		return "FHKST01010100"
	case "daily":
		return "FHKST03010100"
	case "buy":
		if real {
			return "TTTC0802U"
		}
		return "VTTC0802U"
	case "sell":
		if real {
			return "TTTC0801U"
		}
		return "VTTC0801U"
	case "status":
		if real {
			return "TTTC8001R"
		}
		return "VTTC8001R"
	case "cancel":
		if real {
			return "TTTC0803U"
		}
		return "VTTC0803U"
	case "balance":
		if real {
			return "TTTC8434R"
		}
		return "VTTC8434R"
	}
	return ""
}

func (c *Client) waitRateLimit() {
	if c.requestGap <= 0 {
		return
	}
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	if elapsed := c.now().Sub(c.lastRequest); elapsed < c.requestGap {
		time.Sleep(c.requestGap - elapsed)
	}
	c.lastRequest = c.now()
}

// doRequest performs one authenticated call and returns the parsed body.
// rt_cd other than "0" is a non-transient API error.
func (c *Client) doRequest(ctx context.Context, op, method, path, trID string, query url.Values, payload any) (gjson.Result, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, &BrokerError{Op: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return gjson.Result{}, &BrokerError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if trID != "" {
		token, err := c.GetAccessToken(ctx)
		if err != nil {
			return gjson.Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("appkey", c.appKey)
		req.Header.Set("appsecret", c.appSecret)
		req.Header.Set("tr_id", trID)
	}

	c.waitRateLimit()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return gjson.Result{}, &BrokerError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordFailure()
		return gjson.Result{}, &BrokerError{Op: op, Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return gjson.Result{}, &BrokerError{
			Op:        op,
			Transient: resp.StatusCode >= 500,
			Err:       fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	c.recordSuccess()

	parsed := gjson.ParseBytes(data)
	if rt := parsed.Get("rt_cd"); rt.Exists() && rt.String() != "0" {
		return parsed, &BrokerError{Op: op, Err: fmt.Errorf("rt_cd=%s msg=%s", rt.String(), parsed.Get("msg1").String())}
	}
	return parsed, nil
}

// doRequestRetry wraps doRequest with exponential backoff for transient
// failures. Order submissions must not go through here.
func (c *Client) doRequestRetry(ctx context.Context, op, method, path, trID string, query url.Values, payload any) (gjson.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBackoffBase * time.Duration(1<<(attempt-1))
			logger.Debugf("kis: retrying %s attempt=%d wait=%s", op, attempt, wait)
			select {
			case <-ctx.Done():
				return gjson.Result{}, &BrokerError{Op: op, Transient: true, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		res, err := c.doRequest(ctx, op, method, path, trID, query, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return gjson.Result{}, err
		}
	}
	return gjson.Result{}, lastErr
}

func (c *Client) recordFailure() {
	c.outageMu.Lock()
	if c.failingSince.IsZero() {
		c.failingSince = c.now()
	}
	c.outageMu.Unlock()
}

func (c *Client) recordSuccess() {
	c.outageMu.Lock()
	c.failingSince = time.Time{}
	c.outageMu.Unlock()
}

// OutageSince returns the start of the current continuous-failure window, or
// the zero time when healthy. The execution loop treats a window longer than
// the configured threshold as a network outage.
func (c *Client) OutageSince() time.Time {
	c.outageMu.Lock()
	defer c.outageMu.Unlock()
	if c.failingSince.IsZero() {
		return time.Time{}
	}
	if c.now().Sub(c.failingSince) < c.outageThreshold {
		return time.Time{}
	}
	return c.failingSince
}
