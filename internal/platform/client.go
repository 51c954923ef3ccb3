// Package platform adapts the ingestion pipeline to the REST APIs of the
// fediverse platforms it can talk to: Pixelfed, Mastodon, and (optionally)
// Pleroma. Each adapter implements domain.PlatformAdapter and normalizes
// its platform's status/media shape into domain.NormalizedPost.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vedfolnir/vedfolnir/internal/cryptutil"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// newHTTPClient builds the tracing-instrumented client every adapter uses
// to talk to a fediverse instance.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// newObservableClient wraps a platform's HTTP surface with the
// circuit-breaker and adaptive-timeout guard every adapter shares, so a
// flaky or rate-limiting instance backs off instead of being hammered on
// every ingestion run.
func newObservableClient(platformType domain.PlatformType, timeout time.Duration) *observability.ObservableClient {
	return observability.NewObservableClient(
		observability.ConnectionTypePlatform,
		observability.OperationTypeFetch,
		string(platformType),
		timeout, timeout/4, timeout*3,
	)
}

func decryptToken(sealer *cryptutil.Sealer, conn domain.PlatformConnection) (string, error) {
	if sealer == nil {
		return "", fmt.Errorf("op=platform.decryptToken: %w", domain.ErrAuthentication)
	}
	tok, err := sealer.OpenString(conn.EncryptedAccessToken, []byte(conn.ID))
	if err != nil {
		return "", fmt.Errorf("op=platform.decryptToken: %w", domain.ErrAuthentication)
	}
	return tok, nil
}

// doJSON issues a single JSON request/response round trip through oc's
// circuit breaker and adaptive timeout, recording the outcome against
// platformType/endpointFamily for the platform_api_requests_total metric.
func doJSON(ctx context.Context, oc *observability.ObservableClient, platformType domain.PlatformType, endpointFamily string, client *http.Client, method, url, token string, body io.Reader, out interface{}) (*http.Response, error) {
	var resp *http.Response
	outcome := "error"

	execErr := oc.ExecuteWithMetrics(ctx, endpointFamily, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			outcome = "request_error"
			return fmt.Errorf("op=platform.doJSON: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		r, err := client.Do(req)
		if err != nil {
			outcome = "transport_error"
			return fmt.Errorf("op=platform.doJSON: %w", domain.ErrUpstreamTimeout)
		}
		resp = r
		defer r.Body.Close()

		switch {
		case r.StatusCode == http.StatusTooManyRequests:
			outcome = "rate_limited"
			return fmt.Errorf("op=platform.doJSON: %w", domain.ErrUpstreamRateLimit)
		case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
			outcome = "auth_error"
			return fmt.Errorf("op=platform.doJSON: %w", domain.ErrAuthentication)
		case r.StatusCode >= 400:
			data, _ := io.ReadAll(r.Body)
			outcome = "upstream_error"
			return fmt.Errorf("op=platform.doJSON: status=%d body=%s: %w", r.StatusCode, string(data), domain.ErrResource)
		}

		if out != nil {
			if err := json.NewDecoder(r.Body).Decode(out); err != nil {
				outcome = "decode_error"
				return fmt.Errorf("op=platform.doJSON: decode: %w", err)
			}
		}
		outcome = "success"
		return nil
	})

	if execErr != nil && outcome == "error" {
		// The request function never ran: the circuit breaker was open for
		// this platform/endpoint pair. Treat it the same as an upstream
		// timeout so callers' errors.Is checks keep working.
		outcome = "circuit_open"
		execErr = fmt.Errorf("op=platform.doJSON: %w: %w", domain.ErrUpstreamTimeout, execErr)
	}

	observability.RecordPlatformAPIRequest(string(platformType), endpointFamily, outcome)
	if outcome == "rate_limited" {
		observability.RecordRateLimitRejection(string(platformType), endpointFamily)
	}
	return resp, execErr
}
