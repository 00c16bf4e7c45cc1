package notify

import "errors"

// Sentinel errors returned by the notifier and its senders. Callers
// should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a notification could not be
	// delivered through one or more channels. It is never fatal to a
	// job's own status: delivery failures are logged, not propagated.
	ErrSendFailed = errors.New("notify: send failed")

	// ErrConfigNotFound is returned when a channel's environment
	// variables are not set at all, meaning the channel is disabled.
	ErrConfigNotFound = errors.New("notify: configuration not found")
)
