package models

import "time"

// Role distinguishes the primary connection handle from its fallback.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// ResetStatus is the observable state of a manual connection reset.
type ResetStatus string

const (
	ResetIdle      ResetStatus = "idle"
	ResetResetting ResetStatus = "resetting"
	ResetSuccess   ResetStatus = "success"
	ResetError     ResetStatus = "error"
)

// AuthState is the observable state of the signed-in session.
type AuthState string

const (
	AuthSignedIn      AuthState = "signed_in"
	AuthSignedOut     AuthState = "signed_out"
	AuthRefreshFailed AuthState = "refresh_failed"
	AuthExpired       AuthState = "expired"
)

// ChannelState is the lifecycle state of a realtime subscription.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelJoined     ChannelState = "joined"
	ChannelErrored    ChannelState = "errored"
	ChannelClosed     ChannelState = "closed"
)

// ConnectionStatus is a point-in-time summary for status surfaces.
type ConnectionStatus struct {
	Online        bool         `json:"online"`
	ActiveRole    Role         `json:"active_role"`
	HasFallback   bool         `json:"has_fallback"`
	LastCheckAt   time.Time    `json:"last_check_at"`
	Channel       ChannelState `json:"channel"`
	ChannelRetry  int          `json:"channel_retry"`
	Reset         ResetStatus  `json:"reset"`
	Auth          AuthState    `json:"auth"`
	SessionExpiry time.Time    `json:"session_expiry"`
	SubjectID     string       `json:"subject_id"`
}
