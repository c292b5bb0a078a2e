package bot

import "errors"

var (
	// ErrMissingCredential is returned at construction when a connector has no
	// way to verify deliveries and unverified access was not allowed
	ErrMissingCredential = errors.New("verification credential is not configured")

	// ErrMissingAccessToken is returned at construction when a connector has
	// neither an injected client nor credentials to build one
	ErrMissingAccessToken = errors.New("access token is not configured")

	// ErrNoReplyTarget is returned by Context.SendText when the context has no
	// conversation to reply to
	ErrNoReplyTarget = errors.New("context has no reply target")
)
