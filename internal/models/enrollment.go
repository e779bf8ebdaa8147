package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/faceid/internal/match"
)

// FaceEnrollment is one stored reference for a user under one backend.
// At most one row per (user_id, backend_kind) is active at a time.
type FaceEnrollment struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	BackendKind     match.Kind `json:"backend_kind" db:"backend_kind"`
	SealedReference []byte     `json:"-" db:"sealed_reference"`
	Active          bool       `json:"active" db:"active"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}
