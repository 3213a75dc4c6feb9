// Package authapi talks to the FloraFind authentication endpoints.
//
// Non-2xx answers surface as *APIError with a normalised detail message.
// Failures to reach the backend surface as common/errors AppErrors of type
// connection or timeout; an open circuit breaker is a connection error.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"flora-session/internal/circuitbreaker"
	"flora-session/internal/common/errors"
	commonhttp "flora-session/internal/common/http"
	"flora-session/internal/common/logging"
)

const (
	loginPath   = "/auth/token"
	refreshPath = "/auth/refresh"
)

// RefreshMode selects where the refresh token travels.
type RefreshMode string

const (
	RefreshInBody  RefreshMode = "body"
	RefreshInQuery RefreshMode = "query"
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RefreshMode RefreshMode
	HTTPClient  *http.Client
	Breaker     *circuitbreaker.GoBreakerAdapter
	Logger      logging.Logger
}

type Client struct {
	baseURL     *url.URL
	refreshMode RefreshMode
	httpClient  *http.Client
	breaker     *circuitbreaker.GoBreakerAdapter
	logger      logging.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigError("auth api base URL must be absolute").WithContext("base_url", cfg.BaseURL)
	}

	if cfg.RefreshMode == "" {
		cfg.RefreshMode = RefreshInBody
	}
	if cfg.RefreshMode != RefreshInBody && cfg.RefreshMode != RefreshInQuery {
		return nil, errors.ConfigError(fmt.Sprintf("unknown refresh mode %q", cfg.RefreshMode))
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = commonhttp.DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = commonhttp.NewHTTPClient(commonhttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("authapi")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewGoBreaker("flora-auth", circuitbreaker.AuthConfig, cfg.Logger)
	}

	return &Client{
		baseURL:     base,
		refreshMode: cfg.RefreshMode,
		httpClient:  cfg.HTTPClient,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger,
	}, nil
}

// Login exchanges an identifier (username or email) and password for a grant.
func (c *Client) Login(ctx context.Context, identifier, password string) (*TokenGrant, error) {
	body, err := json.Marshal(map[string]string{
		"username_or_email": identifier,
		"password":          password,
	})
	if err != nil {
		return nil, errors.InternalError("failed to encode login request", err)
	}

	grant, err := c.exchange(ctx, OpLogin, loginPath, nil, body)
	if err != nil {
		return nil, err
	}
	if grant.RefreshToken == "" {
		return nil, errors.ValidationError("login response missing refresh_token")
	}
	return grant, nil
}

// Refresh exchanges a refresh token for a new grant. The grant's
// RefreshToken is empty when the backend did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if c.refreshMode == RefreshInQuery {
		return c.exchange(ctx, OpRefresh, refreshPath, url.Values{"refresh_token": {refreshToken}}, nil)
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, errors.InternalError("failed to encode refresh request", err)
	}
	return c.exchange(ctx, OpRefresh, refreshPath, nil, body)
}

// BreakerState reports the state of the breaker guarding the exchanges.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) exchange(ctx context.Context, op, path string, query url.Values, body []byte) (*TokenGrant, error) {
	var grant *TokenGrant
	var rejection *APIError

	err := c.breaker.Execute(ctx, func() error {
		g, err := c.post(ctx, path, query, body)
		var apiErr *APIError
		if stderrors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			// The backend answered; only availability counts against the breaker.
			rejection = apiErr
			return nil
		}
		grant = g
		return err
	})

	if rejection != nil {
		rejection.Op = op
		c.logger.Debug("Auth exchange rejected",
			logging.String("path", path),
			logging.Int("status", rejection.Status))
		return nil, rejection
	}
	if err != nil {
		c.logger.Warn("Auth exchange failed",
			logging.String("path", path),
			logging.Err(err))
		return nil, err
	}
	return grant, nil
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body []byte) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, query), bytes.NewReader(body))
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(path, err)
	}

	data, err := commonhttp.ReadBody(resp)
	if err != nil {
		return nil, classifyTransportError(path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, data)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, errors.ConnectionError("backend unavailable", apiErr).WithContext("path", path)
		}
		return nil, apiErr
	}

	var grant TokenGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, errors.ValidationError("malformed token response").WithContext("path", path)
	}
	if grant.AccessToken == "" {
		return nil, errors.ValidationError("token response missing access_token").WithContext("path", path)
	}
	return &grant, nil
}

func classifyTransportError(path string, err error) error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.TimeoutError("auth exchange "+path, err)
	}
	return errors.ConnectionError("backend unreachable", err).WithContext("path", path)
}
