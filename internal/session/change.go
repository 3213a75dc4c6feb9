package session

import "time"

// TopicCredentialsChanged is the bus topic carrying Change payloads.
const TopicCredentialsChanged = "session.credentials_changed"

type Reason string

const (
	ReasonLogin    Reason = "login"
	ReasonRefresh  Reason = "refresh"
	ReasonLogout   Reason = "logout"
	ReasonCleared  Reason = "cleared"
	ReasonRestored Reason = "restored"
)

// Change tells observers that Credentials changed so they re-read them.
// It never carries token material.
type Change struct {
	Reason        Reason    `json:"reason"`
	Authenticated bool      `json:"authenticated"`
	AccessExpiry  time.Time `json:"access_expiry"`
	// Remote is set when the change happened in another process.
	Remote bool `json:"remote,omitempty"`
}

func newChange(reason Reason, c Credentials) Change {
	return Change{
		Reason:        reason,
		Authenticated: c.Authenticated(),
		AccessExpiry:  c.AccessExpiry,
	}
}
