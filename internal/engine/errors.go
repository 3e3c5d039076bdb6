package engine

import "errors"

var (
	// ErrNotConnected is returned by operations that need a live session
	// when there is none.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectTimeout is returned when connection establishment does not
	// complete within the connect timeout.
	ErrConnectTimeout = errors.New("connection attempt timed out")

	// ErrAuthenticationFailed is returned when the server rejects the
	// credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRequestTimeout is returned when a request receives no response
	// within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
)
