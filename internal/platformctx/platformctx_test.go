package platformctx

import (
	"context"
	"errors"
	"testing"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func TestRequire_MissingBindingReturnsErrPlatformContext(t *testing.T) {
	_, err := Require(context.Background())
	if !errors.Is(err, domain.ErrPlatformContext) {
		t.Fatalf("expected ErrPlatformContext, got %v", err)
	}
}

func TestWithFromContext_RoundTrip(t *testing.T) {
	ctx := With(context.Background(), Context{UserID: "u1", PlatformConnectionID: "p1", SessionID: "s1"})
	pc, ok := FromContext(ctx)
	if !ok {
		t.Fatalf("expected platform context to be present")
	}
	if pc.UserID != "u1" || pc.PlatformConnectionID != "p1" || pc.SessionID != "s1" {
		t.Fatalf("unexpected platform context: %+v", pc)
	}
}

func TestSwitch_ChangesConnectionKeepsUserAndSession(t *testing.T) {
	ctx := With(context.Background(), Context{UserID: "u1", PlatformConnectionID: "p1", SessionID: "s1"})
	next, err := Switch(ctx, "p2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pc, _ := FromContext(next)
	if pc.PlatformConnectionID != "p2" || pc.UserID != "u1" || pc.SessionID != "s1" {
		t.Fatalf("unexpected platform context after switch: %+v", pc)
	}
}

func TestClear_RemovesBinding(t *testing.T) {
	ctx := With(context.Background(), Context{UserID: "u1"})
	cleared := Clear(ctx)
	if _, ok := FromContext(cleared); ok {
		t.Fatalf("expected no platform context after Clear")
	}
}
