package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenGrant is the backend's answer to a login or refresh exchange.
// Zero lifetimes mean the field was absent from the response.
type TokenGrant struct {
	AccessToken      string  `json:"access_token"`
	TokenType        string  `json:"token_type,omitempty"`
	ExpiresIn        float64 `json:"expires_in,omitempty"`
	RefreshToken     string  `json:"refresh_token,omitempty"`
	RefreshExpiresIn float64 `json:"refresh_expires_in,omitempty"`
}

// AccessLifetime returns expires_in as a duration, zero when absent.
func (g *TokenGrant) AccessLifetime() time.Duration {
	return seconds(g.ExpiresIn)
}

// RefreshLifetime returns refresh_expires_in as a duration, zero when absent.
func (g *TokenGrant) RefreshLifetime() time.Duration {
	return seconds(g.RefreshExpiresIn)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

const unknownErrorDetail = "Error desconocido"

// ErrLoginRejected matches an *APIError returned by Login for a 4xx answer,
// i.e. the backend refused the credentials.
var ErrLoginRejected = errors.New("login rejected")

const (
	OpLogin   = "login"
	OpRefresh = "refresh"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

func (e *APIError) Is(target error) bool {
	return target == ErrLoginRejected && e.Op == OpLogin && e.Status >= 400 && e.Status < 500
}

// newAPIError normalises the backend's error payload. FastAPI-style bodies
// carry "detail" either as a string or as a list of validation items with a
// "msg" field; anything else is reported as the raw body text.
func newAPIError(status int, body []byte) *APIError {
	return &APIError{Status: status, Detail: normaliseDetail(body)}
}

func normaliseDetail(body []byte) string {
	text := strings.TrimSpace(string(body))

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil && s != "" {
			return s
		}

		var items []json.RawMessage
		if err := json.Unmarshal(payload.Detail, &items); err == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, item := range items {
				var v struct {
					Msg string `json:"msg"`
				}
				if err := json.Unmarshal(item, &v); err == nil && v.Msg != "" {
					msgs = append(msgs, v.Msg)
					continue
				}
				msgs = append(msgs, string(item))
			}
			return strings.Join(msgs, "\n")
		}
	}

	if text == "" {
		return unknownErrorDetail
	}
	return text
}
