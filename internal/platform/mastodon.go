package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// nbspReplacement substitutes for a status that would otherwise become
// completely empty after an edit. Mastodon (and Pleroma, which implements
// the same API) rejects a status edit whose text content is empty, and
// neither exposes a way to edit attachment metadata without re-submitting
// the status text. A single non-breaking space keeps the edit request
// valid without visibly changing a media-only post.
const nbspReplacement = " "

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// mastodonStatus mirrors the subset of Mastodon's Status entity the
// pipeline reads and rewrites.
type mastodonStatus struct {
	ID           string              `json:"id"`
	URL          string              `json:"url"`
	Content      string              `json:"content"`
	CreatedAt    time.Time           `json:"created_at"`
	Account      mastodonAccount     `json:"account"`
	MediaAttach  []mastodonAttachment `json:"media_attachments"`
}

type mastodonAccount struct {
	ID string `json:"id"`
}

type mastodonAttachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Meta        struct {
		Original struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"original"`
	} `json:"meta"`
}

// MastodonAdapter talks to Mastodon's (and, transitively, Pleroma's)
// REST API. See PleromaAdapter for the feature-flagged wrapper that
// restricts this same implementation to Pleroma instances.
type MastodonAdapter struct {
	sealer     *cryptutil.Sealer
	httpClient *http.Client
	obsClient  *observability.ObservableClient
	platform   domain.PlatformType
}

// NewMastodonAdapter builds an adapter for Mastodon-API-compatible instances.
func NewMastodonAdapter(sealer *cryptutil.Sealer, obsClient *observability.ObservableClient, timeout time.Duration) *MastodonAdapter {
	return &MastodonAdapter{sealer: sealer, httpClient: newHTTPClient(timeout), obsClient: obsClient, platform: domain.PlatformMastodon}
}

// PlatformType implements domain.PlatformAdapter.
func (a *MastodonAdapter) PlatformType() domain.PlatformType { return a.platform }

// FetchUserPosts implements domain.PlatformAdapter.
func (a *MastodonAdapter) FetchUserPosts(ctx context.Context, conn domain.PlatformConnection, sinceID string, limit int) ([]domain.NormalizedPost, error) {
	token, err := decryptToken(a.sealer, conn)
	if err != nil {
		return nil, err
	}

	accountID, err := a.verifyCredentials(ctx, conn.InstanceURL, token)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/accounts/%s/statuses?limit=%d&exclude_replies=true&only_media=true", strings.TrimRight(conn.InstanceURL, "/"), accountID, limit)
	if sinceID != "" {
		url += "&since_id=" + sinceID
	}

	var statuses []mastodonStatus
	if _, err := doJSON(ctx, a.obsClient, a.platform, "statuses", a.httpClient, http.MethodGet, url, token, nil, &statuses); err != nil {
		return nil, fmt.Errorf("op=mastodon.FetchUserPosts: %w", err)
	}

	posts := make([]domain.NormalizedPost, 0, len(statuses))
	for _, s := range statuses {
		posts = append(posts, normalizeMastodonStatus(s))
	}
	return posts, nil
}

func normalizeMastodonStatus(s mastodonStatus) domain.NormalizedPost {
	atts := make([]domain.NormalizedAttachment, 0, len(s.MediaAttach))
	for _, m := range s.MediaAttach {
		if m.Type != "image" {
			continue
		}
		atts = append(atts, domain.NormalizedAttachment{
			MediaID: m.ID,
			URL:     m.URL,
			AltText: m.Description,
			Width:   m.Meta.Original.Width,
			Height:  m.Meta.Original.Height,
		})
	}
	return domain.NormalizedPost{
		PlatformPostID: s.ID,
		URL:            s.URL,
		AuthorID:       s.Account.ID,
		Content:        htmlTagPattern.ReplaceAllString(s.Content, ""),
		CreatedAt:      s.CreatedAt,
		Attachments:    atts,
	}
}

// UpdateMediaDescription implements domain.PlatformAdapter.
//
// Mastodon (unlike Pixelfed) has no endpoint to edit a media attachment's
// description in place once it is attached to a published status; the
// only write path is PUT /api/v1/statuses/{id}, which re-submits the
// status text alongside a media_attributes array carrying the new
// description. The status text is preserved verbatim (HTML stripped,
// since the edit endpoint takes plain text) so the edit is a pure
// alt-text change from the reader's perspective.
func (a *MastodonAdapter) UpdateMediaDescription(ctx context.Context, conn domain.PlatformConnection, post domain.NormalizedPost, mediaID, description string) error {
	token, err := decryptToken(a.sealer, conn)
	if err != nil {
		return err
	}

	statusText := strings.TrimSpace(post.Content)
	if statusText == "" {
		statusText = nbspReplacement
	}

	mediaAttrs := make([]map[string]string, 0, len(post.Attachments))
	for _, att := range post.Attachments {
		desc := att.AltText
		if att.MediaID == mediaID {
			desc = description
		}
		mediaAttrs = append(mediaAttrs, map[string]string{"id": att.MediaID, "description": desc})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"status":           statusText,
		"media_attributes": mediaAttrs,
	})
	if err != nil {
		return fmt.Errorf("op=mastodon.UpdateMediaDescription: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/statuses/%s", strings.TrimRight(conn.InstanceURL, "/"), post.PlatformPostID)
	if _, err := doJSON(ctx, a.obsClient, a.platform, "media_writeback", a.httpClient, http.MethodPut, url, token, bytes.NewReader(payload), nil); err != nil {
		return fmt.Errorf("op=mastodon.UpdateMediaDescription: %w", err)
	}
	return nil
}

func (a *MastodonAdapter) verifyCredentials(ctx context.Context, instanceURL, token string) (string, error) {
	var acct mastodonAccount
	url := strings.TrimRight(instanceURL, "/") + "/api/v1/accounts/verify_credentials"
	if _, err := doJSON(ctx, a.obsClient, a.platform, "verify_credentials", a.httpClient, http.MethodGet, url, token, nil, &acct); err != nil {
		return "", fmt.Errorf("op=mastodon.verifyCredentials: %w", err)
	}
	return acct.ID, nil
}
