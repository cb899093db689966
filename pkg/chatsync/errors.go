package chatsync

import "errors"

// Error taxonomy shared across the engine. Remote-side failures are caught
// at the orchestration boundary and converted into message status fields;
// local store failures propagate to the caller unchanged.
var (
	// ErrNetworkUnavailable means the device is offline. Sends stay
	// Pending/local-only and are retried by the reconnect sweep.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteWriteFailed means the remote store rejected or dropped a
	// write. The affected message is marked Failed; retry is explicit.
	ErrRemoteWriteFailed = errors.New("remote write failed")

	// ErrMediaUploadFailed aborts the whole send; nothing is persisted
	// remotely for the message.
	ErrMediaUploadFailed = errors.New("media upload failed")

	// ErrLocalWriteFailed is fatal for the triggering operation. The
	// local cache has no network dependency, so a write failure here is
	// never retried internally.
	ErrLocalWriteFailed = errors.New("local write failed")

	// ErrProfileLookupFailed is non-fatal; callers fall back to a
	// placeholder display name.
	ErrProfileLookupFailed = errors.New("profile lookup failed")

	// ErrPermissionDenied is surfaced to the caller as state, never
	// retried automatically.
	ErrPermissionDenied = errors.New("permission denied")
)
