package platform

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// nodeInfoSoftware is the subset of NodeInfo's `software` object used for
// platform auto-detection.
type nodeInfoSoftware struct {
	Software struct {
		Name string `json:"name"`
	} `json:"software"`
}

// Factory builds the correct domain.PlatformAdapter for a PlatformConnection,
// either from its stored PlatformType or by probing the instance's
// NodeInfo endpoint when the type is unset.
type Factory struct {
	sealer     *cryptutil.Sealer
	httpClient *http.Client
	cfg        config.Config

	obsMu    sync.Mutex
	obsByPT  map[domain.PlatformType]*observability.ObservableClient
	obsProbe *observability.ObservableClient
}

// NewFactory builds a platform adapter Factory.
func NewFactory(sealer *cryptutil.Sealer, cfg config.Config) *Factory {
	return &Factory{
		sealer:     sealer,
		httpClient: newHTTPClient(cfg.PlatformHTTPTimeout),
		cfg:        cfg,
		obsByPT:    make(map[domain.PlatformType]*observability.ObservableClient),
		obsProbe:   newObservableClient("nodeinfo", 5*time.Second),
	}
}

// observableClientFor returns the long-lived circuit-breaker/adaptive-timeout
// guard for platformType, creating it on first use. Keeping one per platform
// type (rather than per adapter instance, which Factory.For creates fresh on
// every call) is what lets the circuit breaker's open/half-open state
// actually persist across ingestion runs against the same kind of instance.
func (f *Factory) observableClientFor(platformType domain.PlatformType) *observability.ObservableClient {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	if oc, ok := f.obsByPT[platformType]; ok {
		return oc
	}
	oc := newObservableClient(platformType, f.cfg.PlatformHTTPTimeout)
	f.obsByPT[platformType] = oc
	return oc
}

// For returns the adapter for conn.PlatformType, or detects it via
// NodeInfo if unset. Falls back to Pixelfed when detection is
// inconclusive, since Pixelfed's API is the pipeline's most-tested
// surface and a Mastodon-compatible fallback still serves status/media
// reads correctly for any ActivityPub microblogging software.
func (f *Factory) For(ctx context.Context, conn domain.PlatformConnection) (domain.PlatformAdapter, error) {
	platformType := conn.PlatformType
	if platformType == "" {
		platformType = f.detect(ctx, conn.InstanceURL)
	}

	switch platformType {
	case domain.PlatformMastodon:
		return NewMastodonAdapter(f.sealer, f.observableClientFor(domain.PlatformMastodon), f.cfg.PlatformHTTPTimeout), nil
	case domain.PlatformPleroma:
		if !f.cfg.PleromaEnabled {
			return NewPixelfedAdapter(f.sealer, f.observableClientFor(domain.PlatformPixelfed), f.cfg.PlatformHTTPTimeout), nil
		}
		return NewPleromaAdapter(f.sealer, f.observableClientFor(domain.PlatformPleroma), f.cfg.PlatformHTTPTimeout), nil
	case domain.PlatformPixelfed:
		return NewPixelfedAdapter(f.sealer, f.observableClientFor(domain.PlatformPixelfed), f.cfg.PlatformHTTPTimeout), nil
	default:
		return NewPixelfedAdapter(f.sealer, f.observableClientFor(domain.PlatformPixelfed), f.cfg.PlatformHTTPTimeout), nil
	}
}

func (f *Factory) detect(ctx context.Context, instanceURL string) domain.PlatformType {
	var info nodeInfoSoftware
	url := strings.TrimRight(instanceURL, "/") + "/nodeinfo/2.0"
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := doJSON(ctx, f.obsProbe, "", "nodeinfo", f.httpClient, http.MethodGet, url, "", nil, &info); err != nil {
		return domain.PlatformPixelfed
	}

	switch strings.ToLower(info.Software.Name) {
	case "mastodon":
		return domain.PlatformMastodon
	case "pleroma", "akkoma":
		return domain.PlatformPleroma
	case "pixelfed":
		return domain.PlatformPixelfed
	default:
		return domain.PlatformPixelfed
	}
}
