package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var errInvalidXSRLRetryAfter = errors.New("invalid retry-after value")

// defaultRetryAfter is the default delay used when a rate limit response
// carries no usable Retry-After value.
const defaultRetryAfter = 1 * time.Minute

// parseXSentryRateLimits returns a Map from the X-Sentry-Rate-Limits header.
//
// The header is a comma-separated list of limits, each of the form
// retry_after:categories:scope[:reason_code], where categories is a
// semicolon-separated list. An empty category list applies to all categories.
func parseXSentryRateLimits(s string, now time.Time) Map {
	m := make(Map, len(knownCategories))
	for _, limit := range strings.Split(s, ",") {
		limit = strings.TrimSpace(limit)
		if limit == "" {
			continue
		}
		components := strings.Split(limit, ":")
		if len(components) < 2 {
			continue
		}
		retryAfter, err := parseXSRLRetryAfter(strings.TrimSpace(components[0]), now)
		if err != nil {
			continue
		}
		categories := strings.TrimSpace(components[1])
		if categories == "" {
			m.Merge(Map{CategoryAll: retryAfter})
			continue
		}
		for _, c := range strings.Split(categories, ";") {
			m.Merge(Map{Category(strings.TrimSpace(c)): retryAfter})
		}
	}
	return m
}

// parseXSRLRetryAfter parses a string into a retry-after rate limit deadline.
//
// Valid input is a number, possibly signed and possibly floating-point,
// indicating the number of seconds to wait before sending another request.
// Negative values are treated as zero. Fractional values are rounded up.
func parseXSRLRetryAfter(s string, now time.Time) (Deadline, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Deadline{}, errInvalidXSRLRetryAfter
	}
	d := time.Duration(math.Ceil(math.Max(f, 0))) * time.Second
	return Deadline(now.Add(d)), nil
}

// parseRetryAfter parses a Retry-After header value given either as a number
// of seconds or as an HTTP date. It falls back to defaultRetryAfter.
func parseRetryAfter(s string, now time.Time) (Deadline, bool) {
	if s == "" {
		return Deadline(now.Add(defaultRetryAfter)), false
	}
	if seconds, err := strconv.Atoi(s); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return Deadline(now.Add(time.Duration(seconds) * time.Second)), true
	}
	if date, err := http.ParseTime(s); err == nil {
		return Deadline(date), true
	}
	return Deadline(now.Add(defaultRetryAfter)), false
}
