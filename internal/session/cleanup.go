package session

import (
	"log/slog"
)

// cleanupLoop periodically drops expired profiles until Stop is called.
func (c *ProfileCache) cleanupLoop() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired profiles from the cache.
func (c *ProfileCache) cleanup() {
	c.mu.Lock()
	now := c.now()
	expired := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			expired++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	if expired > 0 {
		c.metrics.SetCachedProfiles(n)
		slog.Debug("cleaned up expired profiles", "count", expired)
	}
}

// cleanupLoop periodically drops abandoned sign-on flows until Stop is called.
func (s *FlowStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired flows. A flow expires when the user never
// came back from the identity provider.
func (s *FlowStore) cleanup() {
	s.mu.Lock()
	now := s.now()
	expired := 0
	for state, flow := range s.flows {
		if now.After(flow.ExpiresAt) {
			slog.Info("sign-on flow expired",
				"flow_id", flow.ID,
				"ip", flow.ClientIP,
			)
			delete(s.flows, state)
			expired++
		}
	}
	n := len(s.flows)
	s.mu.Unlock()

	if expired > 0 {
		s.metrics.SetPendingSSOFlows(n)
		slog.Info("cleaned up expired sign-on flows", "count", expired)
	}
}
