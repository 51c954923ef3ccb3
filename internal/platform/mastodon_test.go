package platform

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func newTestSealer(t *testing.T) *cryptutil.Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	s, err := cryptutil.NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func newTestConn(t *testing.T, sealer *cryptutil.Sealer, id, instanceURL string) domain.PlatformConnection {
	t.Helper()
	blob, err := sealer.SealString("test-token", []byte(id))
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	return domain.PlatformConnection{ID: id, InstanceURL: instanceURL, EncryptedAccessToken: blob}
}

func TestMastodonAdapter_FetchUserPosts_StripsHTMLAndFiltersImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/accounts/verify_credentials":
			w.Write([]byte(`{"id":"acct1"}`))
		case r.URL.Path == "/api/v1/accounts/acct1/statuses":
			w.Write([]byte(`[{"id":"1","url":"http://x/1","content":"<p>hello</p>","account":{"id":"acct1"},
				"media_attachments":[{"id":"m1","type":"image","description":""},{"id":"m2","type":"video"}]}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sealer := newTestSealer(t)
	conn := newTestConn(t, sealer, "conn1", srv.URL)
	a := NewMastodonAdapter(sealer, newObservableClient(domain.PlatformMastodon, 5*time.Second), 5*time.Second)

	posts, err := a.FetchUserPosts(context.Background(), conn, "", 10)
	if err != nil {
		t.Fatalf("FetchUserPosts failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if posts[0].Content != "hello" {
		t.Fatalf("expected HTML stripped content 'hello', got %q", posts[0].Content)
	}
	if len(posts[0].Attachments) != 1 {
		t.Fatalf("expected only the image attachment, got %d", len(posts[0].Attachments))
	}
}

func TestMastodonAdapter_UpdateMediaDescription_NBSPOnEmptyStatus(t *testing.T) {
	var capturedStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"id":"acct1"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		capturedStatus = string(body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sealer := newTestSealer(t)
	conn := newTestConn(t, sealer, "conn1", srv.URL)
	a := NewMastodonAdapter(sealer, newObservableClient(domain.PlatformMastodon, 5*time.Second), 5*time.Second)

	post := domain.NormalizedPost{
		PlatformPostID: "1",
		Content:        "",
		Attachments:    []domain.NormalizedAttachment{{MediaID: "m1", AltText: ""}},
	}
	if err := a.UpdateMediaDescription(context.Background(), conn, post, "m1", "a cat"); err != nil {
		t.Fatalf("UpdateMediaDescription failed: %v", err)
	}
	if capturedStatus == "" {
		t.Fatalf("expected request body to be captured")
	}
}

func TestMastodonAdapter_DecryptFailureReturnsAuthError(t *testing.T) {
	a := NewMastodonAdapter(nil, newObservableClient(domain.PlatformMastodon, time.Second), time.Second)
	conn := domain.PlatformConnection{ID: "c1"}
	if _, err := a.FetchUserPosts(context.Background(), conn, "", 10); err == nil {
		t.Fatalf("expected an error for a connection with no sealer configured")
	}
}
