package provider

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyOrderedPatternMatching(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantCat   ErrorCategory
		wantRetry bool
	}{
		{"rate limit", errors.New("429 Too Many Requests"), CategoryRateLimit, true},
		{"quota", errors.New("insufficient_quota: billing required"), CategoryQuotaExceeded, false},
		{"auth", errors.New("401 Unauthorized: invalid api key"), CategoryAuth, false},
		{"service unavailable", errors.New("503 Service Unavailable"), CategoryServiceUnavailable, true},
		{"server error", errors.New("500 Internal Server Error"), CategoryServerError, true},
		{"timeout", errors.New("context deadline exceeded"), CategoryTimeout, true},
		{"deadline exceeded sentinel", context.DeadlineExceeded, CategoryTimeout, true},
		{"parse", errors.New("invalid JSON: malformed payload"), CategoryParse, false},
		{"session", errors.New("session expired"), CategorySession, false},
		{"filesystem", errors.New("no such file or directory"), CategoryFilesystem, false},
		{"unknown", errors.New("something bizarre happened"), CategoryUnknown, false},
		{"nil error", nil, CategoryUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Category != tc.wantCat {
				t.Errorf("category = %q, want %q", got.Category, tc.wantCat)
			}
			if got.Retryable != tc.wantRetry {
				t.Errorf("retryable = %v, want %v", got.Retryable, tc.wantRetry)
			}
		})
	}
}

func TestClassifyFirstMatchingRuleWins(t *testing.T) {
	// A message naming a rate limit, a session and a 503 could plausibly
	// match several rules;
	// rate-limit is listed first, so it must win.
	got := Classify(errors.New("rate limit hit while in session, 503 too"))
	if got.Category != CategoryRateLimit {
		t.Fatalf("expected first-matching rule (rate-limit) to win, got %q", got.Category)
	}
}
