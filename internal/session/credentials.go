package session

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	"flora-session/internal/storage"
)

// Credentials is the token material of one session. All expiries are
// absolute. An empty AccessToken means logged out.
type Credentials struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// Authenticated reports whether an access token is held.
func (c Credentials) Authenticated() bool {
	return c.AccessToken != ""
}

// IsZero reports whether no token material at all is held.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Keys names the four persisted entries.
type Keys struct {
	Token              string
	TokenExpiry        string
	RefreshToken       string
	RefreshTokenExpiry string
}

// DefaultKeyPrefix is the prefix the mobile client has always used.
const DefaultKeyPrefix = "flora_"

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{
		Token:              prefix + "token",
		TokenExpiry:        prefix + "token_expiry",
		RefreshToken:       prefix + "refresh_token",
		RefreshTokenExpiry: prefix + "refresh_token_expiry",
	}
}

func (k Keys) All() []string {
	return []string{k.Token, k.TokenExpiry, k.RefreshToken, k.RefreshTokenExpiry}
}

// ErrCorruptRecord is returned by LoadCredentials when only part of the
// record was found or an expiry could not be parsed. The record has been
// removed by the time it is returned.
var ErrCorruptRecord = stderrors.New("session: persisted credentials incomplete or malformed")

// LoadCredentials rebuilds Credentials from store. ok is false when no
// session is persisted.
func LoadCredentials(ctx context.Context, store storage.Store, keys Keys) (creds Credentials, ok bool, err error) {
	values, err := store.GetMany(ctx, keys.All()...)
	if err != nil {
		return Credentials{}, false, err
	}

	if len(values) == 0 {
		return Credentials{}, false, nil
	}

	creds = Credentials{
		AccessToken:  values[keys.Token],
		RefreshToken: values[keys.RefreshToken],
	}
	accessExpiry, accessOK := parseMillis(values[keys.TokenExpiry])
	refreshExpiry, refreshOK := parseMillis(values[keys.RefreshTokenExpiry])

	if len(values) != 4 || creds.AccessToken == "" || creds.RefreshToken == "" || !accessOK || !refreshOK {
		if err := store.Remove(ctx, keys.All()...); err != nil {
			return Credentials{}, false, err
		}
		return Credentials{}, false, ErrCorruptRecord
	}

	creds.AccessExpiry = accessExpiry
	creds.RefreshExpiry = refreshExpiry
	return creds, true, nil
}

func saveCredentials(ctx context.Context, store storage.Store, keys Keys, c Credentials) error {
	return store.SetMany(ctx,
		storage.Pair{Key: keys.Token, Value: c.AccessToken},
		storage.Pair{Key: keys.TokenExpiry, Value: formatMillis(c.AccessExpiry)},
		storage.Pair{Key: keys.RefreshToken, Value: c.RefreshToken},
		storage.Pair{Key: keys.RefreshTokenExpiry, Value: formatMillis(c.RefreshExpiry)},
	)
}

func removeCredentials(ctx context.Context, store storage.Store, keys Keys) error {
	return store.Remove(ctx, keys.All()...)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// TokenState is the in-memory source of truth for the current Credentials.
// Only the RefreshCoordinator writes it; everything else reads snapshots.
type TokenState struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewTokenState() *TokenState {
	return &TokenState{}
}

func (s *TokenState) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *TokenState) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken
}

func (s *TokenState) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RefreshToken
}

func (s *TokenState) set(c Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

func (s *TokenState) clear() {
	s.set(Credentials{})
}
