package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/match"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/session"
)

type fakeHandle struct {
	mu       sync.Mutex
	frames   []error // per-capture error, nil yields a frame
	idx      int
	releases int
}

func (h *fakeHandle) CaptureFrame(ctx context.Context) (capture.Frame, error) {
	if ctx.Err() != nil {
		return capture.Frame{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.idx < len(h.frames) {
		err = h.frames[h.idx]
	}
	h.idx++
	if err != nil {
		return capture.Frame{}, err
	}
	return capture.Frame{Data: []byte("jpeg"), CapturedAt: time.Now()}, nil
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()
}

type fakeCamera struct {
	acquireErr error
	handle     *fakeHandle
}

func (c *fakeCamera) Acquire(ctx context.Context) (capture.Handle, error) {
	if c.acquireErr != nil {
		return nil, c.acquireErr
	}
	if c.handle == nil {
		c.handle = &fakeHandle{}
	}
	return c.handle, nil
}

type verifyResult struct {
	dec match.Decision
	err error
}

type fakeBackend struct {
	kind match.Kind

	mu            sync.Mutex
	enrollRef     []byte
	enrollErrs    []error
	verifyResults []verifyResult
	calls         int
}

func (b *fakeBackend) Kind() match.Kind {
	if b.kind == "" {
		return match.KindLocal
	}
	return b.kind
}

func (b *fakeBackend) Enroll(ctx context.Context, userID string, frame []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := b.calls
	b.calls++
	if call < len(b.enrollErrs) && b.enrollErrs[call] != nil {
		return nil, b.enrollErrs[call]
	}
	return b.enrollRef, nil
}

func (b *fakeBackend) Verify(ctx context.Context, frame []byte, scope match.Scope) (match.Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := b.calls
	b.calls++
	if call < len(b.verifyResults) {
		r := b.verifyResults[call]
		return r.dec, r.err
	}
	return match.Decision{}, match.ErrNoMatch
}

func (b *fakeBackend) Remove(ctx context.Context, userID string, encodedRef []byte) error {
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	upserts   map[string][]byte
	active    map[string]bool
	touched   []string
	upsertErr error
	hasActErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserts: map[string][]byte{}, active: map[string]bool{}}
}

func (s *fakeStore) Upsert(ctx context.Context, userID string, kind match.Kind, ref []byte) (*models.FaceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	s.upserts[userID] = ref
	s.active[userID] = true
	return &models.FaceEnrollment{UserID: userID, BackendKind: kind, Active: true}, nil
}

func (s *fakeStore) HasActive(ctx context.Context, userID string, kind match.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[userID], s.hasActErr
}

func (s *fakeStore) TouchLastUsed(ctx context.Context, userID string, kind match.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, userID)
	return nil
}

type fakeBridge struct {
	calls atomic.Int32
	err   error
}

func (b *fakeBridge) Exchange(ctx context.Context, userID string) (session.Tokens, error) {
	b.calls.Add(1)
	if b.err != nil {
		return session.Tokens{}, b.err
	}
	return session.Tokens{AccessToken: "access-" + userID, RefreshToken: "refresh"}, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	allowed  bool
	failures map[string]int64
	resets   []string
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{allowed: true, failures: map[string]int64{}}
}

func (l *fakeLimiter) Allowed(ctx context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowed, nil
}

func (l *fakeLimiter) RecordFailure(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[userID]++
	return l.failures[userID], nil
}

func (l *fakeLimiter) Reset(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets = append(l.resets, userID)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) record(evt Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *eventLog) states() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.State
	}
	return out
}

func testConfig() Config {
	return Config{
		RetryDelay:     5 * time.Millisecond,
		NetworkTimeout: time.Second,
		MaxAttempts:    3,
	}
}

func waitTerminal(t *testing.T, m *Manager, s *Session) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = m.Get(s.ID)
		return ok && snap.State.Terminal()
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

func TestVerification_HappyPath(t *testing.T) {
	cam := &fakeCamera{}
	backend := &fakeBackend{verifyResults: []verifyResult{
		{dec: match.Decision{Matched: true, Confidence: 0.82, SubjectID: "alice"}},
	}}
	store := newFakeStore()
	bridge := &fakeBridge{}
	limiter := newFakeLimiter()
	log := &eventLog{}

	m := NewManager(cam, backend, store, bridge, limiter, testConfig(), log.record)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, "alice", snap.MatchedUser)
	require.NotNil(t, snap.Tokens)
	assert.Equal(t, "access-alice", snap.Tokens.AccessToken)

	assert.Equal(t, int32(1), bridge.calls.Load())
	assert.Equal(t, []string{"alice"}, store.touched)
	assert.Equal(t, []string{"alice"}, limiter.resets)
	assert.Equal(t,
		[]State{StateCameraInit, StateReady, StateCapturing, StateProcessing, StateSuccess},
		log.states())
	assert.GreaterOrEqual(t, cam.handle.releases, 1)
}

func TestEnrollment_ConfirmPersists(t *testing.T) {
	cam := &fakeCamera{}
	backend := &fakeBackend{enrollRef: []byte("encoded-embedding")}
	store := newFakeStore()
	m := NewManager(cam, backend, store, &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartEnrollment("bob")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateSuccess, snap.State)

	// nothing persisted until the user confirms
	assert.Empty(t, store.upserts)

	require.NoError(t, m.ConfirmEnrollment(context.Background(), s.ID, true))
	assert.Equal(t, []byte("encoded-embedding"), store.upserts["bob"])

	// confirm is single-shot
	assert.Error(t, m.ConfirmEnrollment(context.Background(), s.ID, true))
}

func TestEnrollment_SkipDiscards(t *testing.T) {
	backend := &fakeBackend{enrollRef: []byte("encoded-embedding")}
	store := newFakeStore()
	m := NewManager(&fakeCamera{}, backend, store, &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartEnrollment("bob")
	require.NoError(t, err)
	waitTerminal(t, m, s)

	require.NoError(t, m.ConfirmEnrollment(context.Background(), s.ID, false))
	assert.Empty(t, store.upserts)
}

func TestEnrollment_PersistFailureKeepsPendingRef(t *testing.T) {
	backend := &fakeBackend{enrollRef: []byte("ref")}
	store := newFakeStore()
	store.upsertErr = errors.New("db down")
	m := NewManager(&fakeCamera{}, backend, store, &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartEnrollment("bob")
	require.NoError(t, err)
	waitTerminal(t, m, s)

	require.Error(t, m.ConfirmEnrollment(context.Background(), s.ID, true))

	// the reference survives a failed persist so the caller can retry
	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()
	require.NoError(t, m.ConfirmEnrollment(context.Background(), s.ID, true))
	assert.Equal(t, []byte("ref"), store.upserts["bob"])
}

func TestVerification_RetryAfterNoFace(t *testing.T) {
	backend := &fakeBackend{verifyResults: []verifyResult{
		{err: match.ErrNoFaceDetected},
		{dec: match.Decision{Matched: true, Confidence: 0.9, SubjectID: "alice"}},
	}}
	log := &eventLog{}
	m := NewManager(&fakeCamera{}, backend, newFakeStore(), &fakeBridge{}, newFakeLimiter(), testConfig(), log.record)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, 2, snap.Attempt)
	assert.Contains(t, log.states(), StateRetryableFailure)
}

func TestVerification_AttemptsExhausted(t *testing.T) {
	backend := &fakeBackend{} // every attempt returns ErrNoMatch
	limiter := newFakeLimiter()
	m := NewManager(&fakeCamera{}, backend, newFakeStore(), &fakeBridge{}, limiter, testConfig(), nil)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateFatalFailure, snap.State)
	assert.Equal(t, "attempts_exhausted", snap.Kind)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, int64(3), limiter.failures["alice"])
}

func TestVerification_CameraUnavailableIsFatal(t *testing.T) {
	cam := &fakeCamera{acquireErr: capture.ErrUnavailable}
	m := NewManager(cam, &fakeBackend{}, newFakeStore(), &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateFatalFailure, snap.State)
	assert.Equal(t, "camera_unavailable", snap.Kind)
}

func TestVerification_NotEnrolledIsFatal(t *testing.T) {
	backend := &fakeBackend{verifyResults: []verifyResult{{err: match.ErrNotEnrolled}}}
	m := NewManager(&fakeCamera{}, backend, newFakeStore(), &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateFatalFailure, snap.State)
	assert.Equal(t, "not_enrolled", snap.Kind)
}

func TestVerification_ManagedSubjectMustHaveActiveEnrollment(t *testing.T) {
	backend := &fakeBackend{
		kind: match.KindManaged,
		verifyResults: []verifyResult{
			{dec: match.Decision{Matched: true, Confidence: 97, SubjectID: "mallory"}},
		},
	}
	store := newFakeStore() // no active enrollment for mallory
	bridge := &fakeBridge{}
	m := NewManager(&fakeCamera{}, backend, store, bridge, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartVerification(context.Background(), "")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateFatalFailure, snap.State)
	assert.Equal(t, "not_enrolled", snap.Kind)
	assert.Equal(t, int32(0), bridge.calls.Load())
}

func TestVerification_BridgeFailureDoesNotRetry(t *testing.T) {
	backend := &fakeBackend{verifyResults: []verifyResult{
		{dec: match.Decision{Matched: true, Confidence: 0.9, SubjectID: "alice"}},
	}}
	bridge := &fakeBridge{err: errors.New("provider down")}
	m := NewManager(&fakeCamera{}, backend, newFakeStore(), bridge, newFakeLimiter(), testConfig(), nil)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateFatalFailure, snap.State)
	assert.Equal(t, "service_error", snap.Kind)
	assert.Equal(t, int32(1), bridge.calls.Load())
	assert.Nil(t, snap.Tokens)
}

func TestVerification_CancelAborts(t *testing.T) {
	backend := &fakeBackend{} // keeps failing, session loops on retries
	cam := &fakeCamera{}
	cfg := testConfig()
	cfg.RetryDelay = 200 * time.Millisecond
	cfg.MaxAttempts = 100
	m := NewManager(cam, backend, newFakeStore(), &fakeBridge{}, newFakeLimiter(), cfg, nil)

	s, err := m.StartVerification(context.Background(), "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.Get(s.ID)
		return ok && snap.Attempt >= 1
	}, time.Second, time.Millisecond)

	assert.True(t, m.Cancel(s.ID))

	snap := waitTerminal(t, m, s)
	assert.Equal(t, StateCancelled, snap.State)

	cam.handle.mu.Lock()
	defer cam.handle.mu.Unlock()
	assert.GreaterOrEqual(t, cam.handle.releases, 1)
}

func TestVerification_LockoutRefusesStart(t *testing.T) {
	limiter := newFakeLimiter()
	limiter.allowed = false
	m := NewManager(&fakeCamera{}, &fakeBackend{}, newFakeStore(), &fakeBridge{}, limiter, testConfig(), nil)

	_, err := m.StartVerification(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrLockedOut)
}

func TestLocalVerification_RequiresUserID(t *testing.T) {
	m := NewManager(&fakeCamera{}, &fakeBackend{kind: match.KindLocal}, newFakeStore(), &fakeBridge{}, newFakeLimiter(), testConfig(), nil)

	_, err := m.StartVerification(context.Background(), "")
	assert.Error(t, err)
}
