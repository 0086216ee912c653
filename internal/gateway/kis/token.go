package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kistra/internal/logger"

	"github.com/tidwall/gjson"
)

const tokenExpiryMargin = 10 * time.Minute

// GetAccessToken returns the cached OAuth token, refreshing it when it is
// within ten minutes of expiry or when the calendar day has changed. Refresh
// is single-holder; concurrent callers wait on the mutex.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	today := now.Format("20060102")
	if c.accessToken != "" && c.tokenIssuedDay == today && now.Before(c.tokenExpiresAt.Add(-tokenExpiryMargin)) {
		return c.accessToken, nil
	}

	token, expiresIn, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}
	c.accessToken = token
	c.tokenExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	c.tokenIssuedDay = today
	logger.Infof("kis: access token refreshed, expires=%s", c.tokenExpiresAt.Format(time.RFC3339))
	return c.accessToken, nil
}

func (c *Client) requestToken(ctx context.Context) (string, int64, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/oauth2/tokenP"
	payload := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"appsecret":  c.appSecret,
	}
	buf, _ := json.Marshal(payload)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", 0, &BrokerError{Op: "token", Transient: true, Err: ctx.Err()}
			case <-time.After(retryBackoffBase * time.Duration(1<<(attempt-1))):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
		if err != nil {
			return "", 0, &BrokerError{Op: "token", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		c.waitRateLimit()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.recordFailure()
			lastErr = &BrokerError{Op: "token", Transient: true, Err: err}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			c.recordFailure()
			lastErr = &BrokerError{Op: "token", Transient: true, Err: err}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.recordFailure()
			lastErr = &BrokerError{Op: "token", Transient: resp.StatusCode >= 500,
				Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
			if resp.StatusCode < 500 {
				return "", 0, lastErr
			}
			continue
		}
		c.recordSuccess()

		parsed := gjson.ParseBytes(data)
		token := parsed.Get("access_token").String()
		if token == "" {
			return "", 0, &BrokerError{Op: "token", Err: fmt.Errorf("no access_token in response")}
		}
		expiresIn := parsed.Get("expires_in").Int()
		if expiresIn <= 0 {
			expiresIn = 86400
		}
		return token, expiresIn, nil
	}
	return "", 0, lastErr
}
