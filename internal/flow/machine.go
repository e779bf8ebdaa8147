// Package flow drives enrollment and verification sessions from capture
// through match to the final decision, independent of which matching
// backend is active.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/session"
)

type State string

const (
	StateIdle             State = "idle"
	StateCameraInit       State = "camera_initializing"
	StateReady            State = "ready"
	StateCapturing        State = "capturing"
	StateProcessing       State = "processing"
	StateSuccess          State = "success"
	StateRetryableFailure State = "retryable_failure"
	StateFatalFailure     State = "fatal_failure"
	StateCancelled        State = "cancelled"
)

// terminal states never transition again without a caller-initiated reset
// (a new session).
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFatalFailure || s == StateCancelled
}

type Mode string

const (
	ModeEnroll Mode = "enroll"
	ModeVerify Mode = "verify"
)

// Event is emitted on every state transition for the host UI and the auth
// event bus. It never carries frames or reference material.
type Event struct {
	SessionID uuid.UUID `json:"session_id"`
	Mode      Mode      `json:"mode"`
	State     State     `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CredentialStore is the slice of the storage layer the flow needs.
type CredentialStore interface {
	Upsert(ctx context.Context, userID string, kind match.Kind, encodedRef []byte) (*models.FaceEnrollment, error)
	HasActive(ctx context.Context, userID string, kind match.Kind) (bool, error)
	TouchLastUsed(ctx context.Context, userID string, kind match.Kind) error
}

// TokenExchanger converts a verified user id into session tokens.
type TokenExchanger interface {
	Exchange(ctx context.Context, userID string) (session.Tokens, error)
}

// Limiter implements the failed-verification lockout policy.
type Limiter interface {
	Allowed(ctx context.Context, userID string) (bool, error)
	RecordFailure(ctx context.Context, userID string) (int64, error)
	Reset(ctx context.Context, userID string) error
}

// Config holds flow timing knobs.
type Config struct {
	RetryDelay     time.Duration
	NetworkTimeout time.Duration
	MaxAttempts    int
}

// Manager runs enrollment/verification sessions. One capture/match attempt
// is in flight at a time per session.
type Manager struct {
	camera  capture.Camera
	backend match.Backend
	store   CredentialStore
	bridge  TokenExchanger
	limiter Limiter
	cfg     Config
	notify  func(Event)

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewManager(camera capture.Camera, backend match.Backend, store CredentialStore, bridge TokenExchanger, limiter Limiter, cfg Config, notify func(Event)) *Manager {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Manager{
		camera:   camera,
		backend:  backend,
		store:    store,
		bridge:   bridge,
		limiter:  limiter,
		cfg:      cfg,
		notify:   notify,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Session is one enrollment or verification attempt sequence.
type Session struct {
	ID     uuid.UUID
	Mode   Mode
	UserID string

	mu          sync.Mutex
	state       State
	attempt     int
	reason      string
	kind        string
	matchedUser string
	pendingRef  []byte
	tokens      *session.Tokens
	cancel      context.CancelFunc
}

// Snapshot is a point-in-time view of a session for API responses.
type Snapshot struct {
	ID          uuid.UUID       `json:"id"`
	Mode        Mode            `json:"mode"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	Reason      string          `json:"reason,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	MatchedUser string          `json:"matched_user,omitempty"`
	Tokens      *session.Tokens `json:"tokens,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.ID,
		Mode:        s.Mode,
		State:       s.state,
		Attempt:     s.attempt,
		Reason:      s.reason,
		Kind:        s.kind,
		MatchedUser: s.matchedUser,
		Tokens:      s.tokens,
	}
}

// StartEnrollment begins an enrollment flow for an already-identified user.
func (m *Manager) StartEnrollment(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("enrollment requires a user id")
	}
	return m.start(ModeEnroll, userID)
}

// StartVerification begins a verification flow. userID is required for the
// local backend and ignored by the managed one, which identifies the
// subject itself.
func (m *Manager) StartVerification(ctx context.Context, userID string) (*Session, error) {
	if m.backend.Kind() == match.KindLocal && userID == "" {
		return nil, fmt.Errorf("local backend verification requires a user id")
	}
	if userID != "" {
		allowed, err := m.limiter.Allowed(ctx, userID)
		if err != nil {
			slog.Warn("lockout check failed, allowing attempt", "error", err)
		} else if !allowed {
			return nil, ErrLockedOut
		}
	}
	return m.start(ModeVerify, userID)
}

// ErrLockedOut means the user exceeded the failed-verification budget and
// must wait out the lockout window.
var ErrLockedOut = errors.New("verification locked out")

func (m *Manager) start(mode Mode, userID string) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     uuid.New(),
		Mode:   mode,
		UserID: userID,
		state:  StateIdle,
		cancel: cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	observability.ActiveFlows.Inc()
	go m.run(ctx, s)

	return s, nil
}

// Get returns a snapshot of the session, or false if unknown.
func (m *Manager) Get(id uuid.UUID) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Cancel aborts a session: any in-flight backend call is cancelled and the
// camera is released. Idempotent.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// ConfirmEnrollment resolves the enable/skip choice after a successful
// enrollment capture. enable persists the pending reference; skip discards
// it. Does not re-run capture.
func (m *Manager) ConfirmEnrollment(ctx context.Context, id uuid.UUID, enable bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}

	s.mu.Lock()
	if s.Mode != ModeEnroll || s.state != StateSuccess || s.pendingRef == nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s has no pending enrollment", id)
	}
	ref := s.pendingRef
	s.pendingRef = nil
	s.mu.Unlock()

	if !enable {
		m.emit(s, StateSuccess, "enrollment discarded", "", s.UserID)
		return nil
	}

	if _, err := m.store.Upsert(ctx, s.UserID, m.backend.Kind(), ref); err != nil {
		// Surfaced, not auto-retried: restore the pending reference so
		// the caller may confirm again.
		s.mu.Lock()
		s.pendingRef = ref
		s.mu.Unlock()
		return fmt.Errorf("persist enrollment: %w", err)
	}

	m.emit(s, StateSuccess, "enrollment saved", "", s.UserID)
	return nil
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer observability.ActiveFlows.Dec()
	defer m.expireLater(s.ID)

	m.emit(s, StateCameraInit, "", "", "")

	handle, err := m.camera.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(s, StateCancelled, "cancelled", "cancelled")
			return
		}
		// Fatal and non-retryable for this session: the host UI must
		// offer the non-biometric fallback.
		m.finish(s, StateFatalFailure, "camera unavailable", "camera_unavailable")
		return
	}
	defer handle.Release()

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()

		if ctx.Err() != nil {
			m.finish(s, StateCancelled, "cancelled", "cancelled")
			return
		}
		m.emit(s, StateReady, "", "", "")

		m.emit(s, StateCapturing, "", "", "")
		frame, err := handle.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.finish(s, StateCancelled, "cancelled", "cancelled")
				return
			}
			if !m.retry(ctx, s, attempt, fmt.Errorf("%w: %v", match.ErrService, err)) {
				return
			}
			continue
		}
		observability.FramesCaptured.Inc()

		m.emit(s, StateProcessing, "", "", "")
		done, retryable := m.process(ctx, s, handle, frame)
		if done {
			return
		}
		if retryable == nil {
			continue
		}
		if !m.retry(ctx, s, attempt, retryable) {
			return
		}
	}
}

// process runs one enroll/verify attempt. Returns done=true when the
// session reached a terminal state; otherwise a retryable error (or nil to
// loop immediately).
func (m *Manager) process(ctx context.Context, s *Session, handle capture.Handle, frame capture.Frame) (done bool, retryable error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	defer cancel()

	start := time.Now()

	switch s.Mode {
	case ModeEnroll:
		ref, err := m.backend.Enroll(callCtx, s.UserID, frame.Data)
		observability.MatchDuration.WithLabelValues(string(m.backend.Kind()), "enroll").Observe(time.Since(start).Seconds())
		if err != nil {
			return m.fail(ctx, s, err)
		}

		// Terminal for the capture loop; the enable/skip choice decides
		// persistence without re-running capture.
		handle.Release()
		s.mu.Lock()
		s.pendingRef = ref
		s.mu.Unlock()
		observability.FlowOutcomes.WithLabelValues(string(s.Mode), "success").Inc()
		m.emit(s, StateSuccess, "face captured, awaiting confirmation", "", s.UserID)
		m.setTerminal(s, StateSuccess)
		return true, nil

	case ModeVerify:
		decision, err := m.backend.Verify(callCtx, frame.Data, match.Scope{UserID: s.UserID})
		observability.MatchDuration.WithLabelValues(string(m.backend.Kind()), "verify").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.MatchDecisions.WithLabelValues(string(m.backend.Kind()), match.KindOf(err)).Inc()
			return m.fail(ctx, s, err)
		}
		observability.MatchDecisions.WithLabelValues(string(m.backend.Kind()), "matched").Inc()

		return m.completeVerify(ctx, s, handle, decision)
	}

	return true, nil
}

// completeVerify applies the trust model and exchanges the session exactly
// once.
func (m *Manager) completeVerify(ctx context.Context, s *Session, handle capture.Handle, decision match.Decision) (bool, error) {
	subject := decision.SubjectID

	// The managed collection's external-id mapping is a lookup key, not
	// ownership: the credential store remains the source of truth for
	// enrollment status.
	if m.backend.Kind() == match.KindManaged {
		active, err := m.store.HasActive(ctx, subject, match.KindManaged)
		if err != nil {
			m.finish(s, StateFatalFailure, "verification unavailable", "persistence_error")
			return true, nil
		}
		if !active {
			slog.Warn("collection matched a subject with no active enrollment", "subject", subject)
			m.finish(s, StateFatalFailure, "no active enrollment for matched subject", "not_enrolled")
			return true, nil
		}
	}

	if err := m.store.TouchLastUsed(ctx, subject, m.backend.Kind()); err != nil {
		slog.Warn("touch last used", "error", err, "subject", subject)
	}

	handle.Release()

	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
	defer cancel()

	start := time.Now()
	tokens, err := m.bridge.Exchange(exchangeCtx, subject)
	observability.SessionExchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("session exchange failed", "error", err, "subject", subject)
		m.finish(s, StateFatalFailure, "session exchange failed", "service_error")
		return true, nil
	}

	if err := m.limiter.Reset(ctx, subject); err != nil {
		slog.Warn("reset lockout counter", "error", err, "subject", subject)
	}

	s.mu.Lock()
	s.matchedUser = subject
	s.tokens = &tokens
	s.mu.Unlock()

	observability.FlowOutcomes.WithLabelValues(string(s.Mode), "success").Inc()
	m.emit(s, StateSuccess, "", "", subject)
	m.setTerminal(s, StateSuccess)
	return true, nil
}

// fail classifies a backend error: retryable failures go back to the loop,
// everything else terminates the session.
func (m *Manager) fail(ctx context.Context, s *Session, err error) (done bool, retryable error) {
	if ctx.Err() != nil {
		m.finish(s, StateCancelled, "cancelled", "cancelled")
		return true, nil
	}

	if errors.Is(err, match.ErrNotEnrolled) {
		m.finish(s, StateFatalFailure, "no enrollment found, enroll first", "not_enrolled")
		return true, nil
	}

	if match.FailedMatch(err) && s.UserID != "" {
		if _, lerr := m.limiter.RecordFailure(ctx, s.UserID); lerr != nil {
			slog.Warn("record verification failure", "error", lerr)
		}
	}

	if match.Retryable(err) {
		return false, err
	}

	slog.Error("attempt failed", "session", s.ID, "error", err)
	m.finish(s, StateFatalFailure, "internal error", "internal_error")
	return true, nil
}

// retry presents the failure reason, waits out the reset delay, and allows
// another attempt unless the budget is spent. Returns false when the
// session terminated.
func (m *Manager) retry(ctx context.Context, s *Session, attempt int, err error) bool {
	kind := match.KindOf(err)
	reason := userReason(err)

	if attempt >= m.cfg.MaxAttempts {
		m.finish(s, StateFatalFailure, "too many failed attempts", "attempts_exhausted")
		return false
	}

	m.emit(s, StateRetryableFailure, reason, kind, "")
	s.mu.Lock()
	s.reason = reason
	s.kind = kind
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		m.finish(s, StateCancelled, "cancelled", "cancelled")
		return false
	case <-time.After(m.cfg.RetryDelay):
		return true
	}
}

func (m *Manager) finish(s *Session, state State, reason, kind string) {
	observability.FlowOutcomes.WithLabelValues(string(s.Mode), kind).Inc()
	s.mu.Lock()
	s.reason = reason
	s.kind = kind
	s.mu.Unlock()
	m.emit(s, state, reason, kind, "")
	m.setTerminal(s, state)
}

func (m *Manager) setTerminal(s *Session, state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (m *Manager) emit(s *Session, state State, reason, kind, userID string) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = state
	}
	attempt := s.attempt
	s.mu.Unlock()

	m.notify(Event{
		SessionID: s.ID,
		Mode:      s.Mode,
		State:     state,
		Attempt:   attempt,
		Reason:    reason,
		Kind:      kind,
		UserID:    userID,
		Timestamp: time.Now(),
	})
}

// expireLater drops the session from the registry once callers have had
// time to read the terminal state.
func (m *Manager) expireLater(id uuid.UUID) {
	time.AfterFunc(10*time.Minute, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
}

// userReason maps a failure to the message shown to the person in front of
// the camera.
func userReason(err error) string {
	switch {
	case errors.Is(err, match.ErrNoFaceDetected):
		return "no face detected, please face the camera"
	case errors.Is(err, match.ErrAmbiguousFace):
		return "more than one face in view"
	case errors.Is(err, match.ErrBelowThreshold), errors.Is(err, match.ErrNoMatch):
		return "face not recognized"
	case errors.Is(err, match.ErrService):
		return "service temporarily unavailable, retrying"
	default:
		return "verification failed"
	}
}
