package app

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// StartedAt is when the session was accepted.
	StartedAt time.Time
}

// sessionHandle pairs the public info with the session's cancel function.
type sessionHandle struct {
	info   SessionInfo
	cancel context.CancelFunc
}

// SessionManager tracks active voice sessions and can cancel them as a
// group during teardown. All methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionHandle
	down     bool
}

// NewSessionManager returns an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*sessionHandle)}
}

// Register adds a session and derives its cancellable context. The returned
// release function removes the session again; it must be called exactly once
// when the session ends. After Shutdown the derived context arrives already
// cancelled so late registrants wind down immediately.
func (sm *SessionManager) Register(ctx context.Context, info SessionInfo) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	sm.mu.Lock()
	if sm.down {
		cancel()
	}
	sm.sessions[info.ID] = &sessionHandle{info: info, cancel: cancel}
	sm.mu.Unlock()

	release := func() {
		cancel()
		sm.mu.Lock()
		delete(sm.sessions, info.ID)
		sm.mu.Unlock()
	}
	return ctx, release
}

// Len reports the number of active sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Info returns the metadata for one session.
func (sm *SessionManager) Info(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	h, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return h.info, true
}

// List returns all active sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, h := range sm.sessions {
		infos = append(infos, h.info)
	}
	sm.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Shutdown cancels every active session and marks the manager as draining;
// sessions registered afterwards are cancelled on arrival.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.down = true
	for _, h := range sm.sessions {
		h.cancel()
	}
}
