package dto

import "github.com/google/uuid"

type StartEnrollmentRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type StartVerificationRequest struct {
	// UserID is required for the local backend; the managed backend
	// identifies the subject on its own.
	UserID string `json:"user_id"`
}

type SessionResponse struct {
	ID          uuid.UUID   `json:"id"`
	Mode        string      `json:"mode"`
	State       string      `json:"state"`
	Attempt     int         `json:"attempt"`
	Reason      string      `json:"reason,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	MatchedUser string      `json:"matched_user,omitempty"`
	Tokens      *TokensBody `json:"tokens,omitempty"`
}

type TokensBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

type ConfirmEnrollmentRequest struct {
	Enable *bool `json:"enable" binding:"required"`
}

type EnrollmentResponse struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Backend    string    `json:"backend"`
	Active     bool      `json:"active"`
	CreatedAt  string    `json:"created_at"`
	LastUsedAt string    `json:"last_used_at,omitempty"`
}

// AuthStateEvent mirrors the flow event published on the bus.
type AuthStateEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// WSEvent is a WebSocket message for real-time flow state delivery.
type WSEvent struct {
	Type      string         `json:"type"` // auth_state
	SessionID uuid.UUID      `json:"session_id"`
	Data      AuthStateEvent `json:"data"`
}
