package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/config"
)

func Test_newReqID(t *testing.T) {
	t.Parallel()

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newReqID()
		if id == "" {
			t.Fatal("newReqID returned empty string")
		}
		if ids[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

func Test_newReqID_Format(t *testing.T) {
	t.Parallel()

	id := newReqID()
	if len(id) != 26 {
		if len(id) < 20 {
			t.Fatalf("unexpected ID format: %s (len=%d)", id, len(id))
		}
	}
}

func Test_BearerAuth_RejectsMissingHeader(t *testing.T) {
	sm := NewSessionManager(config.Config{JWTSecret: "s3cret", JWTTokenTTL: time.Hour})
	var called bool
	h := sm.BearerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil))

	if called {
		t.Fatal("next handler should not run without a bearer token")
	}
	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rw.Result().StatusCode)
	}
}

func Test_BearerAuth_InjectsUserID(t *testing.T) {
	sm := NewSessionManager(config.Config{JWTSecret: "s3cret", JWTTokenTTL: time.Hour})
	token, err := sm.GenerateJWT("user-42")
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	var gotUserID string
	h := sm.BearerAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", rw.Result().StatusCode)
	}
	if gotUserID != "user-42" {
		t.Fatalf("want user-42, got %q", gotUserID)
	}
}

func TestUserIDFromContext_EmptyWhenUnset(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("want empty string, got %q", got)
	}
}
