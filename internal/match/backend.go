package match

import "context"

// Kind identifies a matching backend implementation.
type Kind string

const (
	KindLocal   Kind = "local"
	KindManaged Kind = "managed"
)

// Decision is the outcome of a verify attempt.
type Decision struct {
	Matched bool
	// Confidence is 0.0–1.0 for the local backend and 0–100 for the
	// managed one; the acceptance threshold lives in the backend.
	Confidence float64
	// SubjectID is set by the managed backend, which searches the whole
	// collection and reports who it matched. The local backend echoes the
	// scope user id on a match.
	SubjectID string
}

// Scope restricts what a verify attempt compares against. The local
// backend requires UserID and compares against that user's active
// reference; the managed backend ignores UserID and searches the whole
// collection.
type Scope struct {
	UserID string
}

// Backend turns a captured frame into a comparable face representation and
// performs enroll/verify against it. Implementations must be safe for use
// from a single flow at a time; frame is a JPEG-encoded still.
type Backend interface {
	Kind() Kind

	// Enroll derives a reference from the frame and returns its encoded
	// form for the credential store to seal: the serialized embedding for
	// the local backend, the provider face id for the managed one.
	Enroll(ctx context.Context, userID string, frame []byte) ([]byte, error)

	// Verify compares the frame per the scope and returns a decision.
	// A below-threshold comparison returns a zero Decision and
	// ErrBelowThreshold (or ErrNoMatch), never a silent false.
	Verify(ctx context.Context, frame []byte, scope Scope) (Decision, error)

	// Remove discards any provider-side state for a previously enrolled
	// reference. The local backend has none and returns nil.
	Remove(ctx context.Context, userID string, encodedRef []byte) error
}

// ReferenceSource resolves the active stored reference for a user. It is
// implemented by the credential store; the bytes are the unsealed encoded
// reference and must not outlive the verify call.
type ReferenceSource interface {
	ActiveReference(ctx context.Context, userID string, kind Kind) ([]byte, error)
}
