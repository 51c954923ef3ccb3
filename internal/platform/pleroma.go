package platform

import (
	"context"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// PleromaAdapter wraps MastodonAdapter: Pleroma implements the same
// Mastodon client API for statuses and media, so no protocol-level
// differences exist here. It is kept as its own named type, gated behind
// config.PleromaEnabled, because the spec treats Pleroma support as
// experimental and the distinct type gives operators an explicit
// platform_type value to filter on rather than silently reporting
// Pleroma connections as Mastodon ones.
type PleromaAdapter struct {
	inner *MastodonAdapter
}

// NewPleromaAdapter builds an adapter for Pleroma instances.
func NewPleromaAdapter(sealer *cryptutil.Sealer, obsClient *observability.ObservableClient, timeout time.Duration) *PleromaAdapter {
	return &PleromaAdapter{inner: &MastodonAdapter{sealer: sealer, httpClient: newHTTPClient(timeout), obsClient: obsClient, platform: domain.PlatformPleroma}}
}

// PlatformType implements domain.PlatformAdapter.
func (a *PleromaAdapter) PlatformType() domain.PlatformType { return domain.PlatformPleroma }

// FetchUserPosts implements domain.PlatformAdapter.
func (a *PleromaAdapter) FetchUserPosts(ctx context.Context, conn domain.PlatformConnection, sinceID string, limit int) ([]domain.NormalizedPost, error) {
	return a.inner.FetchUserPosts(ctx, conn, sinceID, limit)
}

// UpdateMediaDescription implements domain.PlatformAdapter.
func (a *PleromaAdapter) UpdateMediaDescription(ctx context.Context, conn domain.PlatformConnection, post domain.NormalizedPost, mediaID, description string) error {
	return a.inner.UpdateMediaDescription(ctx, conn, post, mediaID, description)
}
