package tunnel

import (
	"sync"

	"llm-tunnel/internal/domain"
)

// Hub tracks the connected agent sessions, one per user. A new connection
// for a user replaces (and closes) the previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   domain.Logger
}

// NewHub creates an empty session registry.
func NewHub(logger domain.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register installs a session as the user's active tunnel, closing any
// previous one. It also arranges removal when the session ends.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	previous := h.sessions[s.Identity.UserID]
	h.sessions[s.Identity.UserID] = s
	h.mu.Unlock()

	if previous != nil {
		h.logger.Info("Replacing existing agent session", map[string]interface{}{
			"user_id":     s.Identity.UserID,
			"old_session": previous.ID,
			"new_session": s.ID,
		})
		previous.Close()
	}

	h.logger.Info("Agent session registered", map[string]interface{}{
		"user_id":    s.Identity.UserID,
		"session_id": s.ID,
	})

	go func() {
		<-s.Done()
		h.unregister(s)
	}()
}

// Get returns the active session for a user.
func (h *Hub) Get(userID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, exists := h.sessions[userID]
	return s, exists
}

// Count returns the number of connected agents.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll tears down every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// unregister removes a session unless it was already replaced.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if current, exists := h.sessions[s.Identity.UserID]; exists && current == s {
		delete(h.sessions, s.Identity.UserID)
	}
	h.mu.Unlock()
}
