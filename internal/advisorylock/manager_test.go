package advisorylock

import (
	"context"
	"testing"
	"time"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel), logpkg.WithOutput(logpkg.NullOutput{}))
}

func TestTryAcquireWithoutSessionIsNotLeader(t *testing.T) {
	m := New(nil, time.Second, testLogger())
	_, err := m.TryAcquire(context.Background(), 1, make(chan Lost, 1))
	if err != eventstore.ErrNotLeader {
		t.Fatalf("expected not_leader without a session, got %v", err)
	}
}

func TestReleaseWithoutSessionIsNoop(t *testing.T) {
	m := New(nil, time.Second, testLogger())
	if err := m.Release(context.Background(), Ref{key: 1}); err != nil {
		t.Fatalf("expected nil error releasing without a session, got %v", err)
	}
}

func TestAliveReflectsSessionState(t *testing.T) {
	m := New(nil, time.Second, testLogger())
	if m.Alive() {
		t.Fatalf("expected a freshly constructed manager to report not alive")
	}
}
