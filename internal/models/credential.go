// Package models defines types shared across internal packages.
package models

import "time"

// Credential is the persisted session material for one identity.
// ExpiresAt is in epoch seconds.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	SubjectID    string `json:"subject_id"`
}

// Expiry returns ExpiresAt as a time.Time.
func (c *Credential) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// ExpiresWithin reports whether the credential expires within d of now.
// A nil credential is treated as already expired.
func (c *Credential) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c == nil {
		return true
	}

	return !c.Expiry().After(now.Add(d))
}

// Valid reports whether the credential satisfies the storage invariant:
// both tokens present and expiry in the future.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil {
		return false
	}

	return c.AccessToken != "" && c.RefreshToken != "" && c.Expiry().After(now)
}

// User is the identity returned by the backing service's user endpoint.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
