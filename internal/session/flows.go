package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/schoolfront/internal/metrics"
)

// Flow is a browser single sign-on waiting for the identity provider callback.
type Flow struct {
	// ID identifies the flow in logs
	ID string

	// State is the OAuth2 state parameter for CSRF protection
	State string

	// CodeVerifier is the PKCE code verifier (needed to exchange the code)
	CodeVerifier string

	// ReturnTo is the local path to land on after sign-on
	ReturnTo string

	// ClientIP is the address that started the flow (for logging)
	ClientIP string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// FlowStore tracks pending sign-on flows in memory with TTL-based cleanup.
// It is thread-safe and supports concurrent access.
type FlowStore struct {
	mu            sync.RWMutex
	flows         map[string]*Flow // state -> Flow
	timeout       time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewFlowStore creates a flow store with the specified flow timeout.
// It starts a background cleanup goroutine that runs every minute.
func NewFlowStore(timeout time.Duration, m *metrics.Metrics) *FlowStore {
	s := &FlowStore{
		flows:         make(map[string]*Flow),
		timeout:       timeout,
		now:           time.Now,
		metrics:       m,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *FlowStore) Stop() {
	s.stopOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
}

// Create registers a flow under its OAuth2 state.
func (s *FlowStore) Create(state, codeVerifier, returnTo, clientIP string) (*Flow, error) {
	if state == "" {
		return nil, fmt.Errorf("flow state is empty")
	}

	now := s.now()
	flow := &Flow{
		ID:           uuid.NewString(),
		State:        state,
		CodeVerifier: codeVerifier,
		ReturnTo:     returnTo,
		ClientIP:     clientIP,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
	}

	s.mu.Lock()
	if _, exists := s.flows[state]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("flow state already in use")
	}
	s.flows[state] = flow
	n := len(s.flows)
	s.mu.Unlock()

	s.metrics.SetPendingSSOFlows(n)
	return flow, nil
}

// Take removes the flow for state and returns it, so each state is redeemed
// at most once. An expired flow is removed as well and reported as an error.
func (s *FlowStore) Take(state string) (*Flow, error) {
	s.mu.Lock()
	flow, ok := s.flows[state]
	if ok {
		delete(s.flows, state)
	}
	n := len(s.flows)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("flow not found for state")
	}
	s.metrics.SetPendingSSOFlows(n)

	if s.now().After(flow.ExpiresAt) {
		return nil, fmt.Errorf("flow expired")
	}

	return flow, nil
}

// Delete removes a flow, e.g. when the provider reports an error.
func (s *FlowStore) Delete(state string) {
	s.mu.Lock()
	delete(s.flows, state)
	n := len(s.flows)
	s.mu.Unlock()

	s.metrics.SetPendingSSOFlows(n)
}

// Count returns the current number of pending flows.
func (s *FlowStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}
