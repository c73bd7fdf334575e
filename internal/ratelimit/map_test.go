package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var now = time.Date(2020, 2, 7, 14, 16, 0, 0, time.UTC)

func deadlineIn(d time.Duration) Deadline {
	return Deadline(now.Add(d))
}

func TestParseXSentryRateLimits(t *testing.T) {
	tests := []struct {
		input string
		want  Map
	}{
		{"", Map{}},
		{"60::organization", Map{CategoryAll: deadlineIn(60 * time.Second)}},
		{"60:error;transaction:key", Map{
			CategoryError:       deadlineIn(60 * time.Second),
			CategoryTransaction: deadlineIn(60 * time.Second),
		}},
		{"60:error:key, 2700:error:organization", Map{
			CategoryError: deadlineIn(2700 * time.Second),
		}},
		{"1.5:monitor:key", Map{CategoryMonitor: deadlineIn(2 * time.Second)}},
		{"-10:session:key", Map{CategorySession: deadlineIn(0)}},
		{"garbage:error:key,30:custom_category:key", Map{
			Category("custom_category"): deadlineIn(30 * time.Second),
		}},
		{"30", Map{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseXSentryRateLimits(tt.input, now)
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(Deadline.Equal)); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   Map
	}{
		{
			name:   "ok without headers",
			status: http.StatusOK,
			header: http.Header{},
			want:   Map{},
		},
		{
			name:   "rate limits header wins",
			status: http.StatusTooManyRequests,
			header: http.Header{
				"X-Sentry-Rate-Limits": []string{"10:error:key"},
				"Retry-After":          []string{"300"},
			},
			want: Map{CategoryError: deadlineIn(10 * time.Second)},
		},
		{
			name:   "429 with retry-after seconds",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"20"}},
			want:   Map{CategoryAll: deadlineIn(20 * time.Second)},
		},
		{
			name:   "429 without retry-after",
			status: http.StatusTooManyRequests,
			header: http.Header{},
			want:   Map{CategoryAll: deadlineIn(defaultRetryAfter)},
		},
		{
			name:   "429 with http date",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{now.Add(time.Hour).Format(http.TimeFormat)}},
			want:   Map{CategoryAll: deadlineIn(time.Hour)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Response{StatusCode: tt.status, Header: tt.header}
			got := fromResponse(r, now)
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(Deadline.Equal)); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestMap_IsRateLimited(t *testing.T) {
	m := Map{
		CategoryError: deadlineIn(time.Minute),
	}
	if !m.isRateLimited(CategoryError, now) {
		t.Error("error should be rate limited")
	}
	if m.isRateLimited(CategoryTransaction, now) {
		t.Error("transaction should not be rate limited")
	}
	if m.isRateLimited(CategoryError, now.Add(2*time.Minute)) {
		t.Error("error limit should have expired")
	}

	m.Merge(Map{CategoryAll: deadlineIn(time.Hour)})
	if !m.isRateLimited(CategoryTransaction, now) {
		t.Error("CategoryAll should limit every category")
	}
	if got := m.Deadline(CategoryError); !got.Equal(deadlineIn(time.Hour)) {
		t.Errorf("Deadline() = %v, want CategoryAll deadline", got)
	}
}

func TestMap_Merge(t *testing.T) {
	m := Map{CategoryError: deadlineIn(time.Hour)}
	m.Merge(Map{
		CategoryError:       deadlineIn(time.Minute),
		CategoryTransaction: deadlineIn(time.Minute),
	})
	want := Map{
		CategoryError:       deadlineIn(time.Hour),
		CategoryTransaction: deadlineIn(time.Minute),
	}
	if diff := cmp.Diff(want, m, cmp.Comparer(Deadline.Equal)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
