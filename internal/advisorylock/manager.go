// Package advisorylock manages one dedicated database session reserved for
// Postgres session-scoped advisory locks, used to elect a single cluster
// leader per subscription. Advisory locks are tied to the connection that
// took them, so the manager must never let its session be returned to a
// pool between acquire and release.
package advisorylock

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
	logpkg "github.com/c-moss-talk/eventstore/pkg/log"
)

// Lost is delivered to a holder's channel when the manager's underlying
// session is confirmed gone. Holders must treat this as an immediate loss
// of leadership, regardless of whether the manager later re-acquires the
// same key on a new session.
type Lost struct {
	Ref Ref
}

// Ref is an opaque handle identifying one held advisory lock.
type Ref struct {
	key        int64
	generation uint64
}

// Key returns the advisory-lock key this ref was acquired for.
func (r Ref) Key() int64 { return r.key }

type holder struct {
	key  int64
	lost chan Lost
}

// Manager owns the dedicated session and tracks who currently holds which
// key on top of it.
type Manager struct {
	pool          *pgxpool.Pool
	retryInterval time.Duration
	logger        logpkg.Logger

	mu         sync.Mutex
	conn       *pgxpool.Conn
	generation uint64
	holders    map[int64]holder
	closed     bool
}

// New creates a Manager. Call Run in a goroutine to establish and maintain
// the dedicated session.
func New(pool *pgxpool.Pool, retryInterval time.Duration, logger logpkg.Logger) *Manager {
	return &Manager{
		pool:          pool,
		retryInterval: retryInterval,
		logger:        logger.WithComponent("advisorylock"),
		holders:       make(map[int64]holder),
	}
}

// Run acquires (and, on loss, re-acquires) the dedicated session until ctx
// is cancelled. It must be running for TryAcquire/Release to succeed.
func (m *Manager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.pool.Acquire(ctx)
		if err != nil {
			m.logger.Warn("failed to acquire advisory-lock session", logpkg.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.retryInterval):
				continue
			}
		}

		m.mu.Lock()
		m.conn = conn
		m.generation++
		m.mu.Unlock()
		m.logger.Info("advisory-lock session established")

		m.watchSession(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		lost := make([]holder, 0, len(m.holders))
		for _, h := range m.holders {
			lost = append(lost, h)
		}
		m.holders = make(map[int64]holder)
		m.mu.Unlock()

		for _, h := range lost {
			select {
			case h.lost <- Lost{Ref: Ref{key: h.key}}:
			default:
			}
		}
		conn.Release()
		m.logger.Warn("advisory-lock session lost; all holders demoted")

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.retryInterval):
		}
	}
}

// watchSession blocks until the connection is no longer healthy or ctx is
// cancelled, polling at the retry interval since pgx has no native
// "connection closed" push notification outside of LISTEN.
func (m *Manager) watchSession(ctx context.Context, conn *pgxpool.Conn) {
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Conn().Ping(ctx); err != nil {
				return
			}
		}
	}
}

// TryAcquire attempts to take the session-scoped advisory lock for key.
// lost receives exactly one Lost event if the manager's session dies while
// this ref is held; callers must not use lost after receiving from it or
// after calling Release.
func (m *Manager) TryAcquire(ctx context.Context, key int64, lost chan Lost) (Ref, error) {
	m.mu.Lock()
	conn := m.conn
	gen := m.generation
	m.mu.Unlock()
	if conn == nil {
		return Ref{}, eventstore.ErrNotLeader
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		return Ref{}, err
	}
	if !ok {
		return Ref{}, eventstore.ErrLockAlreadyTaken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn || m.generation != gen {
		// Session died between the query and here; unlock is moot, the
		// session (and thus the lock) is already gone.
		return Ref{}, eventstore.ErrNotLeader
	}
	m.holders[key] = holder{key: key, lost: lost}
	return Ref{key: key, generation: gen}, nil
}

// Alive reports whether the manager currently holds its dedicated
// advisory-lock session. It goes false the moment Run detects the session
// is gone and stays false until a reacquire succeeds.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Release releases a previously acquired lock. It is a no-op if the
// session has already been lost (the lock was released implicitly).
func (m *Manager) Release(ctx context.Context, ref Ref) error {
	m.mu.Lock()
	conn := m.conn
	gen := m.generation
	delete(m.holders, ref.key)
	m.mu.Unlock()

	if conn == nil || gen != ref.generation {
		return nil
	}
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, ref.key)
	return err
}
