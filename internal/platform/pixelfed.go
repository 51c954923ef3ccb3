package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// PixelfedAdapter talks to Pixelfed's Mastodon-compatible statuses API,
// but unlike Mastodon, Pixelfed exposes a direct media-update endpoint
// that lets the pipeline change an attachment's description without
// re-submitting the parent status.
type PixelfedAdapter struct {
	sealer     *cryptutil.Sealer
	httpClient *http.Client
	obsClient  *observability.ObservableClient
}

// NewPixelfedAdapter builds an adapter for Pixelfed instances.
func NewPixelfedAdapter(sealer *cryptutil.Sealer, obsClient *observability.ObservableClient, timeout time.Duration) *PixelfedAdapter {
	return &PixelfedAdapter{sealer: sealer, httpClient: newHTTPClient(timeout), obsClient: obsClient}
}

// PlatformType implements domain.PlatformAdapter.
func (a *PixelfedAdapter) PlatformType() domain.PlatformType { return domain.PlatformPixelfed }

// FetchUserPosts implements domain.PlatformAdapter.
func (a *PixelfedAdapter) FetchUserPosts(ctx context.Context, conn domain.PlatformConnection, sinceID string, limit int) ([]domain.NormalizedPost, error) {
	token, err := decryptToken(a.sealer, conn)
	if err != nil {
		return nil, err
	}

	accountID, err := a.verifyCredentials(ctx, conn.InstanceURL, token)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("only_media", "true")
	q.Set("exclude_replies", "true")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	reqURL := fmt.Sprintf("%s/api/v1/accounts/%s/statuses?%s", strings.TrimRight(conn.InstanceURL, "/"), accountID, q.Encode())

	var statuses []mastodonStatus
	if _, err := doJSON(ctx, a.obsClient, domain.PlatformPixelfed, "statuses", a.httpClient, http.MethodGet, reqURL, token, nil, &statuses); err != nil {
		return nil, fmt.Errorf("op=pixelfed.FetchUserPosts: %w", err)
	}

	posts := make([]domain.NormalizedPost, 0, len(statuses))
	for _, s := range statuses {
		posts = append(posts, normalizeMastodonStatus(s))
	}
	return posts, nil
}

// UpdateMediaDescription implements domain.PlatformAdapter.
func (a *PixelfedAdapter) UpdateMediaDescription(ctx context.Context, conn domain.PlatformConnection, post domain.NormalizedPost, mediaID, description string) error {
	token, err := decryptToken(a.sealer, conn)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return fmt.Errorf("op=pixelfed.UpdateMediaDescription: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/v1/media/%s", strings.TrimRight(conn.InstanceURL, "/"), mediaID)
	if _, err := doJSON(ctx, a.obsClient, domain.PlatformPixelfed, "media_writeback", a.httpClient, http.MethodPut, reqURL, token, bytes.NewReader(payload), nil); err != nil {
		return fmt.Errorf("op=pixelfed.UpdateMediaDescription: %w", err)
	}
	return nil
}

func (a *PixelfedAdapter) verifyCredentials(ctx context.Context, instanceURL, token string) (string, error) {
	var acct mastodonAccount
	reqURL := strings.TrimRight(instanceURL, "/") + "/api/v1/accounts/verify_credentials"
	if _, err := doJSON(ctx, a.obsClient, domain.PlatformPixelfed, "verify_credentials", a.httpClient, http.MethodGet, reqURL, token, nil, &acct); err != nil {
		return "", fmt.Errorf("op=pixelfed.verifyCredentials: %w", err)
	}
	return acct.ID, nil
}
