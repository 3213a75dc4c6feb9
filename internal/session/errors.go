package session

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"flora-session/internal/authapi"
)

// RefreshErrorKind classifies why a refresh failed.
type RefreshErrorKind int

const (
	// NoRefreshToken: there is nothing to refresh, the session is gone.
	NoRefreshToken RefreshErrorKind = iota + 1
	// NetworkError: transient. Credentials are kept for a later attempt.
	NetworkError
	// RefreshRejected: the backend refused the refresh token. Credentials are cleared.
	RefreshRejected
)

func (k RefreshErrorKind) String() string {
	switch k {
	case NoRefreshToken:
		return "no_refresh_token"
	case NetworkError:
		return "network_error"
	case RefreshRejected:
		return "refresh_rejected"
	default:
		return "unknown"
	}
}

var (
	ErrNoRefreshToken  = stderrors.New("no refresh token")
	ErrNetwork         = stderrors.New("refresh network error")
	ErrRefreshRejected = stderrors.New("refresh token rejected")

	// ErrUnauthenticated marks a request that could not be authorized
	// because the refresh it depended on failed.
	ErrUnauthenticated = stderrors.New("unauthenticated")
)

func (k RefreshErrorKind) sentinel() error {
	switch k {
	case NoRefreshToken:
		return ErrNoRefreshToken
	case NetworkError:
		return ErrNetwork
	case RefreshRejected:
		return ErrRefreshRejected
	default:
		return nil
	}
}

// RefreshError is the outcome of a failed refresh. errors.Is matches it
// against the sentinel of its Kind.
type RefreshError struct {
	Kind   RefreshErrorKind
	Status int
	Detail string
	Cause  error
}

func (e *RefreshError) Error() string {
	msg := "refresh failed: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RefreshError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// rejectionStatuses are the answers that mean the refresh token itself is bad.
var rejectionStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// classifyRefreshFailure maps a backend client error onto the refresh taxonomy.
func classifyRefreshFailure(err error) *RefreshError {
	var apiErr *authapi.APIError
	if stderrors.As(err, &apiErr) {
		if rejectionStatuses[apiErr.Status] {
			return &RefreshError{Kind: RefreshRejected, Status: apiErr.Status, Detail: apiErr.Detail}
		}
		return &RefreshError{Kind: NetworkError, Status: apiErr.Status, Detail: apiErr.Detail, Cause: err}
	}
	return &RefreshError{Kind: NetworkError, Cause: err}
}

// unauthenticated wraps a refresh failure for callers of the executor.
func unauthenticated(err error) error {
	return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
}

var errNoClient = stderrors.New("session: an authenticator is required")
