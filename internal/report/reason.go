package report

// DiscardReason represents why an item was discarded. The set is open: reasons
// received from other SDKs or relays are carried verbatim.
type DiscardReason string

const (
	// ReasonQueueOverflow indicates the transport queue was full.
	ReasonQueueOverflow DiscardReason = "queue_overflow"

	// ReasonCacheOverflow indicates an offline cache was full.
	ReasonCacheOverflow DiscardReason = "cache_overflow"

	// ReasonBufferOverflow indicates that an internal buffer was full.
	ReasonBufferOverflow DiscardReason = "buffer_overflow"

	// ReasonRateLimitBackoff indicates the item was dropped due to rate limiting.
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"

	// ReasonBeforeSend indicates the item was dropped due to a BeforeSend callback.
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonEventProcessor indicates the item was dropped due to an event processor callback.
	ReasonEventProcessor DiscardReason = "event_processor"

	// ReasonSampleRate indicates the item was dropped due to sampling.
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonNetworkError indicates an HTTP request failed (connection error).
	ReasonNetworkError DiscardReason = "network_error"

	// ReasonSendError indicates HTTP returned an error status (4xx, 5xx).
	//
	// The party that drops an envelope is responsible for counting it, so 429
	// responses are not counted here: the server already recorded them.
	ReasonSendError DiscardReason = "send_error"

	// ReasonInternalError indicates an internal SDK error.
	ReasonInternalError DiscardReason = "internal_sdk_error"
)

// Reasons used by relays for the rate_limited, filtered and filtered_sampling lists.
const (
	// ReasonRelayRateLimit indicates a relay quota rejected the item.
	ReasonRelayRateLimit DiscardReason = "relay_rate_limit"

	// ReasonErrorMessage indicates an inbound filter matched the event message.
	ReasonErrorMessage DiscardReason = "error-message"

	// ReasonReleaseVersion indicates an inbound filter matched the event release.
	ReasonReleaseVersion DiscardReason = "release-version"

	// ReasonSampled indicates the relay sampled the item out.
	ReasonSampled DiscardReason = "sampled"
)
