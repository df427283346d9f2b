package enclave

import (
	"fmt"
	"sync"
	"time"

	"enc-mnist/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is one host session against the TA.
type Session struct {
	ID           string
	RemoteAddr   string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SessionManager tracks open sessions and expires idle ones. Closing a
// session, explicitly or by expiry, runs the close hook so state owned by
// the session is released.
type SessionManager struct {
	sessions       map[string]*Session
	mutex          sync.Mutex
	cleanupTicker  *time.Ticker
	cleanupDone    chan struct{}
	stopOnce       sync.Once
	sessionTimeout time.Duration
	onClose        func(sessionID string)
	logger         *shared.Logger
}

// NewSessionManager creates a session manager. onClose may be nil.
func NewSessionManager(timeout time.Duration, onClose func(sessionID string), logger *shared.Logger) *SessionManager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &SessionManager{
		sessions:       make(map[string]*Session),
		cleanupDone:    make(chan struct{}),
		sessionTimeout: timeout,
		onClose:        onClose,
		logger:         logger,
	}
}

// CreateSession opens a session for a connection and returns its id.
func (sm *SessionManager) CreateSession(remoteAddr string) (string, error) {
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           sessionID.String(),
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	sm.mutex.Lock()
	sm.sessions[session.ID] = session
	sm.mutex.Unlock()

	sm.logger.WithSession(session.ID).Debug("Session opened", zap.String("remote_addr", remoteAddr))
	return session.ID, nil
}

// Touch marks a session active. Unknown sessions are an error.
func (sm *SessionManager) Touch(sessionID string) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return shared.NewError(shared.ErrItemNotFound, "session", "session %s not found", sessionID)
	}
	session.LastActiveAt = time.Now()
	return nil
}

// CloseSession runs the close hook and forgets the session.
func (sm *SessionManager) CloseSession(sessionID string) error {
	sm.mutex.Lock()
	_, ok := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mutex.Unlock()

	if !ok {
		return shared.NewError(shared.ErrItemNotFound, "session", "session %s not found", sessionID)
	}
	if sm.onClose != nil {
		sm.onClose(sessionID)
	}
	sm.logger.WithSession(sessionID).Debug("Session closed")
	return nil
}

// Count returns the number of open sessions.
func (sm *SessionManager) Count() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return len(sm.sessions)
}

// StartCleanupRoutine expires idle sessions every interval until Stop.
func (sm *SessionManager) StartCleanupRoutine(interval time.Duration) {
	sm.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-sm.cleanupTicker.C:
				sm.cleanupExpiredSessions(time.Now())
			case <-sm.cleanupDone:
				return
			}
		}
	}()
}

// Stop halts the cleanup routine. Safe to call more than once.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		if sm.cleanupTicker != nil {
			sm.cleanupTicker.Stop()
		}
		close(sm.cleanupDone)
	})
}

// cleanupExpiredSessions removes sessions idle since before now minus the
// timeout.
func (sm *SessionManager) cleanupExpiredSessions(now time.Time) {
	var expired []string

	sm.mutex.Lock()
	for sessionID, session := range sm.sessions {
		if now.Sub(session.LastActiveAt) > sm.sessionTimeout {
			expired = append(expired, sessionID)
			delete(sm.sessions, sessionID)
		}
	}
	sm.mutex.Unlock()

	for _, sessionID := range expired {
		if sm.onClose != nil {
			sm.onClose(sessionID)
		}
		sm.logger.WithSession(sessionID).Info("Session expired")
	}
}
