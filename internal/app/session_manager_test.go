package app

import (
	"context"
	"testing"
	"time"
)

func TestSessionManagerRegisterAndRelease(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager()

	ctx, release := sm.Register(context.Background(), SessionInfo{ID: "s1", RemoteAddr: "10.0.0.1:4242"})
	if sm.Len() != 1 {
		t.Fatalf("Len = %d, want 1", sm.Len())
	}
	if info, ok := sm.Info("s1"); !ok || info.RemoteAddr != "10.0.0.1:4242" {
		t.Errorf("Info = %+v, %v", info, ok)
	}
	if ctx.Err() != nil {
		t.Errorf("fresh session context already cancelled: %v", ctx.Err())
	}

	release()
	if sm.Len() != 0 {
		t.Errorf("Len after release = %d, want 0", sm.Len())
	}
	if ctx.Err() == nil {
		t.Error("release did not cancel the session context")
	}
	if _, ok := sm.Info("s1"); ok {
		t.Error("released session still listed")
	}
}

func TestSessionManagerListOrdersByStartTime(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager()
	base := time.Now()

	_, r1 := sm.Register(context.Background(), SessionInfo{ID: "b", StartedAt: base.Add(time.Second)})
	defer r1()
	_, r2 := sm.Register(context.Background(), SessionInfo{ID: "a", StartedAt: base})
	defer r2()
	_, r3 := sm.Register(context.Background(), SessionInfo{ID: "c", StartedAt: base.Add(2 * time.Second)})
	defer r3()

	got := sm.List()
	if len(got) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("List order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestSessionManagerShutdownCancelsAll(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager()

	ctx1, r1 := sm.Register(context.Background(), SessionInfo{ID: "s1"})
	defer r1()
	ctx2, r2 := sm.Register(context.Background(), SessionInfo{ID: "s2"})
	defer r2()

	sm.Shutdown()

	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("shutdown did not cancel active sessions")
	}

	// Registrations racing with shutdown arrive already cancelled.
	ctx3, r3 := sm.Register(context.Background(), SessionInfo{ID: "s3"})
	defer r3()
	if ctx3.Err() == nil {
		t.Error("session registered after shutdown not cancelled")
	}
}

func TestSessionManagerInheritsParentCancel(t *testing.T) {
	t.Parallel()

	sm := NewSessionManager()
	parent, cancel := context.WithCancel(context.Background())

	ctx, release := sm.Register(parent, SessionInfo{ID: "s1"})
	defer release()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context did not follow parent cancellation")
	}
}
