// Package platformctx carries the ambient (user_id, platform_connection_id,
// session_id) triple through a request or worker task the way a
// thread-local would in a synchronous runtime — as explicit
// context.Context values, propagated down every call that needs to know
// which platform account it is acting on behalf of.
package platformctx

import (
	"context"
	"fmt"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type ctxKey struct{}

// Context is the ambient platform binding for the current request or task.
type Context struct {
	UserID               string
	PlatformConnectionID string
	SessionID            string
}

// With returns a new context.Context carrying pc.
func With(ctx context.Context, pc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, pc)
}

// FromContext extracts the platform binding, if any.
func FromContext(ctx context.Context) (Context, bool) {
	pc, ok := ctx.Value(ctxKey{}).(Context)
	return pc, ok
}

// Require extracts the platform binding or returns domain.ErrPlatformContext.
func Require(ctx context.Context) (Context, error) {
	pc, ok := FromContext(ctx)
	if !ok {
		return Context{}, fmt.Errorf("op=platformctx.Require: %w", domain.ErrPlatformContext)
	}
	return pc, nil
}

// Switch returns a derived context bound to a different platform
// connection, keeping the same user and session. Used when an operator
// with multiple connections moves between them mid-session.
func Switch(ctx context.Context, platformConnectionID string) (context.Context, error) {
	pc, err := Require(ctx)
	if err != nil {
		return ctx, err
	}
	pc.PlatformConnectionID = platformConnectionID
	return With(ctx, pc), nil
}

// Clear returns a context with no platform binding, used once a request
// finishes so the binding cannot leak into unrelated goroutines reusing
// a pooled context.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, nil)
}
