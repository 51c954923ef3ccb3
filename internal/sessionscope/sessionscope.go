// Package sessionscope replaces the detached-object / lazy-load pattern
// familiar from ORM session scopes with explicit, typed primitives: a
// Session tracks whether its backing connection is still checked out,
// and any attempt to read a lazily-loaded field or relationship through
// a closed Session fails loudly with domain.ErrDetachedInstance instead
// of silently returning a zero value or panicking.
package sessionscope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type ctxKey struct{}

// Session wraps a single checked-out pool connection for the lifetime of
// a request or task. Snapshot DTOs (domain entities) read from the
// database through a Session remain valid after the Session closes;
// only lazy accessors registered via SafeField/SafeRelationship require
// the Session to still be open.
type Session struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	opened time.Time
	closed bool
}

// Begin checks out a connection from pool and returns a Session bound to it.
func Begin(ctx context.Context, pool *pgxpool.Pool) (*Session, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=sessionscope.Begin: %w", err)
	}
	return &Session{conn: conn, opened: time.Now()}, nil
}

// Conn returns the underlying pooled connection. Returns
// domain.ErrDetachedInstance if the Session has already closed.
func (s *Session) Conn() (*pgxpool.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("op=sessionscope.Conn: %w", domain.ErrDetachedInstance)
	}
	return s.conn, nil
}

// Close releases the underlying connection back to the pool. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Release()
}

// IsOpen reports whether the Session's connection is still checked out.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Age returns how long the Session has been open.
func (s *Session) Age() time.Duration {
	return time.Since(s.opened)
}

// With returns a context.Context carrying s, for handlers further down
// the call chain that need to reload detached entities.
func With(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext extracts the Session bound to ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}

// Reload re-fetches an entity by id using loader, requiring that s still
// be open. This is the replacement for accessing a detached ORM object's
// un-eager-loaded attribute: instead of an implicit lazy load against a
// possibly-closed connection, callers explicitly reload through an open
// Session and get a typed error if it is not available.
func Reload[T any](ctx context.Context, s *Session, loader func(ctx context.Context, id string) (T, error), id string) (T, error) {
	var zero T
	if s == nil || !s.IsOpen() {
		return zero, fmt.Errorf("op=sessionscope.Reload: %w", domain.ErrDetachedInstance)
	}
	v, err := loader(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("op=sessionscope.Reload: %w", err)
	}
	return v, nil
}

// SafeField returns value as long as s is still open. Used to guard
// fields on a snapshot DTO that were only valid to compute while holding
// a session (e.g. a signed URL, a row lock flag).
func SafeField[T any](s *Session, value T) (T, error) {
	var zero T
	if s == nil || !s.IsOpen() {
		return zero, fmt.Errorf("op=sessionscope.SafeField: %w", domain.ErrDetachedInstance)
	}
	return value, nil
}

// SafeRelationship calls loader to fetch a related entity, requiring s
// still be open. It is the named replacement for following a lazy
// relationship attribute on a detached object.
func SafeRelationship[T any](ctx context.Context, s *Session, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if s == nil || !s.IsOpen() {
		return zero, fmt.Errorf("op=sessionscope.SafeRelationship: %w", domain.ErrDetachedInstance)
	}
	v, err := loader(ctx)
	if err != nil {
		return zero, fmt.Errorf("op=sessionscope.SafeRelationship: %w", err)
	}
	return v, nil
}
