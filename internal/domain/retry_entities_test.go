package domain

import (
	"errors"
	"testing"
	"time"
)

func TestShouldRetry_RetryableError(t *testing.T) {
	ri := &RetryInfo{AttemptCount: 0}
	cfg := DefaultRetryConfig()
	if !ri.ShouldRetry(errors.New("upstream timeout"), cfg) {
		t.Fatalf("expected retryable error to be retried")
	}
}

func TestShouldRetry_NonRetryableError(t *testing.T) {
	ri := &RetryInfo{AttemptCount: 0}
	cfg := DefaultRetryConfig()
	if ri.ShouldRetry(errors.New("not found"), cfg) {
		t.Fatalf("expected non-retryable error to stop retries")
	}
}

func TestShouldRetry_MaxAttemptsReached(t *testing.T) {
	ri := &RetryInfo{AttemptCount: 3}
	cfg := DefaultRetryConfig()
	if ri.ShouldRetry(errors.New("upstream timeout"), cfg) {
		t.Fatalf("expected retries to stop once MaxRetries is reached")
	}
}

func TestShouldRetry_DLQStopsRetries(t *testing.T) {
	ri := &RetryInfo{AttemptCount: 0, RetryStatus: RetryStatusDLQ}
	cfg := DefaultRetryConfig()
	if ri.ShouldRetry(errors.New("upstream timeout"), cfg) {
		t.Fatalf("expected task already in DLQ to never retry")
	}
}

func TestCalculateNextRetryDelay_ExponentialWithCap(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
	ri := &RetryInfo{AttemptCount: 5}
	delay := ri.CalculateNextRetryDelay(cfg)
	if delay != cfg.MaxDelay {
		t.Fatalf("expected delay capped at MaxDelay, got %v", delay)
	}
}

func TestUpdateRetryAttempt_RecordsError(t *testing.T) {
	ri := &RetryInfo{}
	ri.UpdateRetryAttempt(errors.New("boom"))
	if ri.AttemptCount != 1 {
		t.Fatalf("expected AttemptCount=1, got %d", ri.AttemptCount)
	}
	if len(ri.ErrorHistory) != 1 || ri.ErrorHistory[0] != "boom" {
		t.Fatalf("expected error history to contain %q, got %v", "boom", ri.ErrorHistory)
	}
}

func TestMarkAsExhausted(t *testing.T) {
	ri := &RetryInfo{}
	ri.MarkAsExhausted()
	if ri.RetryStatus != RetryStatusExhausted {
		t.Fatalf("expected status exhausted, got %v", ri.RetryStatus)
	}
}
