package session

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	commonhttp "flora-session/internal/common/http"
	"flora-session/internal/common/logging"
)

const RequestIDHeader = "X-Request-ID"

type ExecutorConfig struct {
	State     *TokenState
	Refresher refresher
	// Base sends the prepared requests. Defaults to a pooled transport.
	Base   http.RoundTripper
	Logger logging.Logger
}

// Executor sends requests with the current bearer token and retries once
// through the RefreshCoordinator when the backend answers 401 or 403.
// It never writes credentials itself.
type Executor struct {
	state     *TokenState
	refresher refresher
	base      http.RoundTripper
	logger    logging.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Base == nil {
		cfg.Base = commonhttp.NewTransport(commonhttp.DefaultClientConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("executor")
	}
	return &Executor{
		state:     cfg.State,
		refresher: cfg.Refresher,
		base:      cfg.Base,
		logger:    cfg.Logger,
	}
}

// Transport returns the executor as an http.RoundTripper, for use with
// common/http.WithTransport.
func (e *Executor) Transport() http.RoundTripper {
	return e
}

func (e *Executor) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Execute(req)
}

// Execute sends req with the access token current at dispatch time. On a
// 401 or 403 it refreshes and resends the identical request once; the
// second response is returned as-is whatever its status. A failed refresh
// is returned as an error matching ErrUnauthenticated and the refresh kind.
func (e *Executor) Execute(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := logging.ContextWithRequestID(req.Context(), requestID)
	logger := e.logger.WithContext(ctx)

	token := e.state.AccessToken()
	if token == "" {
		creds, err := e.refresh(ctx)
		if err != nil {
			return nil, err
		}
		token = creds.AccessToken
	}

	resp, err := e.send(ctx, req, body, requestID, token)
	if err != nil || !isAuthFailure(resp.StatusCode) {
		return resp, err
	}

	logger.Debug("Request unauthorized, refreshing",
		logging.String("path", req.URL.Path),
		logging.Int("status", resp.StatusCode))
	commonhttp.DrainAndClose(resp)

	// Another request may already have refreshed since this one was sent.
	next := e.state.AccessToken()
	if next == "" || next == token {
		creds, err := e.refresh(ctx)
		if err != nil {
			return nil, err
		}
		next = creds.AccessToken
	}

	return e.send(ctx, req, body, requestID, next)
}

func (e *Executor) refresh(ctx context.Context) (Credentials, error) {
	creds, err := e.refresher.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Credentials{}, err
		}
		return Credentials{}, unauthenticated(err)
	}
	return creds, nil
}

func (e *Executor) send(ctx context.Context, req *http.Request, body []byte, requestID, token string) (*http.Response, error) {
	attempt := req.Clone(ctx)
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.ContentLength = int64(len(body))
	}
	attempt.Header.Set(RequestIDHeader, requestID)
	attempt.Header.Set("Authorization", "Bearer "+token)
	return e.base.RoundTrip(attempt)
}

// bufferBody reads the request body once so both attempts send the same bytes.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
