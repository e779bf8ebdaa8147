package match

import "errors"

// Failure taxonomy for enroll/verify attempts. The flow layer decides
// retry behaviour from these; handlers translate them into user-visible
// reasons.
var (
	// ErrNoFaceDetected means the frame contained no detectable face.
	ErrNoFaceDetected = errors.New("no face detected")

	// ErrAmbiguousFace means more than one face was found in the frame.
	// Matching assumes a single subject in front of the camera.
	ErrAmbiguousFace = errors.New("more than one face in frame")

	// ErrBelowThreshold means a face was found and compared but the
	// similarity score did not reach the acceptance threshold.
	ErrBelowThreshold = errors.New("similarity below threshold")

	// ErrNoMatch means the managed collection returned no candidate at all.
	ErrNoMatch = errors.New("no match in collection")

	// ErrService covers transient backend failures: network errors,
	// timeouts, provider-side errors.
	ErrService = errors.New("recognition service error")

	// ErrNotEnrolled means no active enrollment exists for the user.
	ErrNotEnrolled = errors.New("no active enrollment")
)

// Retryable reports whether the attempt may be retried with a fresh frame.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNoFaceDetected),
		errors.Is(err, ErrAmbiguousFace),
		errors.Is(err, ErrBelowThreshold),
		errors.Is(err, ErrNoMatch),
		errors.Is(err, ErrService):
		return true
	}
	return false
}

// FailedMatch reports whether the attempt was a completed comparison that
// rejected the subject. Only these count toward lockout.
func FailedMatch(err error) bool {
	return errors.Is(err, ErrBelowThreshold) || errors.Is(err, ErrNoMatch)
}

// KindOf returns a stable string identifier for the failure, for events,
// metrics and tests.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoFaceDetected):
		return "no_face_detected"
	case errors.Is(err, ErrAmbiguousFace):
		return "ambiguous_face"
	case errors.Is(err, ErrBelowThreshold):
		return "below_threshold"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, ErrService):
		return "service_error"
	default:
		return "internal_error"
	}
}
