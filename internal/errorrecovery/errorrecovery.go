// Package errorrecovery categorises failures surfaced anywhere in the
// ingestion/caption pipeline and picks a recovery strategy for each
// category, tracking per-category statistics for the admin dashboard.
package errorrecovery

import (
	"container/ring"
	"errors"
	"strings"
	"sync"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
)

// Category is one of the seven failure buckets error recovery sorts
// every error into.
type Category string

// Failure categories, ordered as spec'd.
const (
	CategoryAuthentication Category = "authentication"
	CategoryPlatform       Category = "platform"
	CategoryResource       Category = "resource"
	CategoryValidation     Category = "validation"
	CategoryNetwork        Category = "network"
	CategorySystem         Category = "system"
	CategoryUnknown        Category = "unknown"
)

// Strategy is the recovery action a category maps to.
type Strategy string

// Recovery strategies.
const (
	StrategyFailFast       Strategy = "fail_fast"
	StrategyRetry          Strategy = "retry"
	StrategyRetryLongDelay Strategy = "retry_long_delay"
	StrategyRetryOnce      Strategy = "retry_once"
	StrategyNotifyAdmin    Strategy = "notify_admin"
)

// networkPatterns and the other pattern lists below extend
// domain.RetryInfo.ShouldRetry's substring-matching idea into a full
// classification instead of a yes/no retry decision.
var (
	authPatterns        = []string{"authentication failed", "unauthorized", "401", "invalid credentials", "invalid token"}
	platformPatterns    = []string{"upstream timeout", "upstream rate limit", "502", "503", "504", "bad gateway", "service unavailable"}
	resourcePatterns    = []string{"disk", "out of memory", "no space left", "quota"}
	validationPatterns  = []string{"invalid argument", "schema invalid", "validation failed"}
	networkPatterns     = []string{"connection refused", "connection reset", "context deadline exceeded", "dial tcp", "no such host", "timeout"}
	systemPatterns      = []string{"panic", "nil pointer", "internal"}
)

// Categorize classifies err by matching domain sentinel errors first,
// then falling back to message-pattern heuristics.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return CategoryAuthentication
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, domain.ErrUpstreamRateLimit), errors.Is(err, domain.ErrRateLimited):
		return CategoryPlatform
	case errors.Is(err, domain.ErrResource):
		return CategoryResource
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrValidation):
		return CategoryValidation
	case errors.Is(err, domain.ErrInternal):
		return CategorySystem
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, authPatterns):
		return CategoryAuthentication
	case matchesAny(msg, platformPatterns):
		return CategoryPlatform
	case matchesAny(msg, resourcePatterns):
		return CategoryResource
	case matchesAny(msg, validationPatterns):
		return CategoryValidation
	case matchesAny(msg, networkPatterns):
		return CategoryNetwork
	case matchesAny(msg, systemPatterns):
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// StrategyFor reports the recovery strategy for a category, per spec
// §4.10's category-to-strategy table.
func StrategyFor(c Category) Strategy {
	switch c {
	case CategoryAuthentication:
		return StrategyFailFast
	case CategoryPlatform:
		return StrategyRetry
	case CategoryResource:
		return StrategyRetryLongDelay
	case CategoryValidation:
		return StrategyFailFast
	case CategoryNetwork:
		return StrategyRetry
	case CategorySystem:
		return StrategyNotifyAdmin
	default:
		return StrategyRetryOnce
	}
}

// notifiesAdmin reports whether a category's strategy always raises an
// admin notification, independent of retry exhaustion.
func notifiesAdmin(c Category) bool {
	return c == CategoryAuthentication || c == CategorySystem
}

const errorHistorySize = 100

// Registry tracks per-category counters, a bounded history of recent
// errors, and raises admin notifications for categories whose strategy
// calls for one.
type Registry struct {
	mu            sync.Mutex
	history       *ring.Ring
	notifications domain.AdminNotificationRepository
}

// RecordedError is one entry in the ring-buffered error history.
type RecordedError struct {
	Category Category
	Message  string
}

// NewRegistry builds a Registry. notifications may be nil, in which
// case admin notifications are logged as metrics only and not
// persisted (useful in tests and for components that run before the
// Postgres pool is available).
func NewRegistry(notifications domain.AdminNotificationRepository) *Registry {
	return &Registry{
		history:       ring.New(errorHistorySize),
		notifications: notifications,
	}
}

// Record categorises err, increments its Prometheus counter under the
// chosen strategy's action label, appends it to the rolling history,
// and raises an admin notification when the category warrants one.
func (r *Registry) Record(ctx domain.Context, err error) (Category, Strategy) {
	category := Categorize(err)
	strategy := StrategyFor(category)

	observability.RecordErrorRecovery(string(category), string(strategy))

	r.mu.Lock()
	r.history.Value = RecordedError{Category: category, Message: err.Error()}
	r.history = r.history.Next()
	r.mu.Unlock()

	if notifiesAdmin(category) && r.notifications != nil {
		_, _ = r.notifications.Create(ctx, domain.AdminNotification{
			Category: string(category),
			Message:  err.Error(),
		})
	}

	return category, strategy
}

// RecentErrors returns up to errorHistorySize most recently recorded
// errors, oldest first.
func (r *Registry) RecentErrors() []RecordedError {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RecordedError, 0, r.history.Len())
	r.history.Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(RecordedError))
	})
	return out
}
