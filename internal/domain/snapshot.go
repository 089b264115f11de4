package domain

import "time"

// AccountSnapshot is the externally visible status record for one
// (provider, account) pair. It is a cache of runtime state: running=false
// always implies no live task is registered for the account. Snapshots are
// merged on every transition, never replaced wholesale, and never deleted.
type AccountSnapshot struct {
	AccountID       string         `json:"accountId"`
	Running         bool           `json:"running"`
	Connected       bool           `json:"connected,omitempty"`
	Enabled         bool           `json:"enabled"`
	Configured      bool           `json:"configured"`
	LastStartAt     *time.Time     `json:"lastStartAt,omitempty"`
	LastStopAt      *time.Time     `json:"lastStopAt,omitempty"`
	LastConnectedAt *time.Time     `json:"lastConnectedAt,omitempty"`
	LastMessageAt   *time.Time     `json:"lastMessageAt,omitempty"`
	LastEventAt     *time.Time     `json:"lastEventAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// SetExtra records a provider-specific field, allocating the map lazily.
func (s *AccountSnapshot) SetExtra(key string, value any) {
	if s.Extra == nil {
		s.Extra = make(map[string]any)
	}
	s.Extra[key] = value
}

// MergeExtras copies fields in without dropping existing ones.
func (s *AccountSnapshot) MergeExtras(fields map[string]any) {
	for k, v := range fields {
		s.SetExtra(k, v)
	}
}
