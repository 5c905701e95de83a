package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is the provider-facing error classification, distinct
// from the client-facing errs.Category taxonomy: the arbiter reads only
// its retryability, and a client sees all-providers-failed wrapping the
// last raw provider error.
type ErrorCategory string

const (
	CategoryRateLimit          ErrorCategory = "rate-limit"
	CategoryQuotaExceeded      ErrorCategory = "quota-exceeded"
	CategoryAuth               ErrorCategory = "auth"
	CategoryServerError        ErrorCategory = "server-5xx"
	CategoryServiceUnavailable ErrorCategory = "service-unavailable"
	CategoryTimeout            ErrorCategory = "timeout"
	CategoryParse              ErrorCategory = "parse"
	CategorySession            ErrorCategory = "session"
	CategoryFilesystem         ErrorCategory = "filesystem"
	CategoryUnknown            ErrorCategory = "unknown"
)

// Classification is the outcome of classifying a raised provider error.
type Classification struct {
	Category  ErrorCategory
	Retryable bool
}

// classificationRule is one ordered pattern; the first match wins, so
// order in classifierRules matters.
type classificationRule struct {
	category  ErrorCategory
	retryable bool
	matches   func(err error, msg string) bool
}

var classifierRules = []classificationRule{
	{
		category:  CategoryRateLimit,
		retryable: true,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "rate limit", "rate-limit", "429", "too many requests")
		},
	},
	{
		category:  CategoryQuotaExceeded,
		retryable: false,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "quota", "insufficient_quota", "billing")
		},
	},
	{
		category:  CategoryAuth,
		retryable: false,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "unauthorized", "401", "invalid api key", "authentication", "forbidden", "403")
		},
	},
	{
		category:  CategoryServiceUnavailable,
		retryable: true,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "503", "service unavailable", "overloaded")
		},
	},
	{
		category:  CategoryServerError,
		retryable: true,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "500", "502", "504", "internal server error", "bad gateway", "gateway timeout")
		},
	},
	{
		category:  CategoryTimeout,
		retryable: true,
		matches: func(err error, msg string) bool {
			if errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return containsAny(msg, "timeout", "timed out", "connection reset", "deadline exceeded", "network")
		},
	},
	{
		category:  CategoryParse,
		retryable: false,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "invalid json", "parse error", "malformed", "validation failed")
		},
	},
	{
		category:  CategorySession,
		retryable: false,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "session")
		},
	},
	{
		category:  CategoryFilesystem,
		retryable: false,
		matches: func(_ error, msg string) bool {
			return containsAny(msg, "no such file", "permission denied", "filesystem")
		},
	},
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Classify is the sole authority the arbiter consults to map a raised
// provider error to a category and retryability. Order matters: the
// first matching rule wins.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Retryable: false}
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifierRules {
		if rule.matches(err, msg) {
			return Classification{Category: rule.category, Retryable: rule.retryable}
		}
	}
	return Classification{Category: CategoryUnknown, Retryable: false}
}
