package errors

import "errors"

// Client errors.
var (
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrInvalidRootURL     = errors.New("invalid root URL")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrNilOperation       = errors.New("nil operation")
	ErrClosed             = errors.New("client is closed")
)

// Server/transport errors.
var (
	ErrTransport = errors.New("HTTP request failed")
	ErrServer    = errors.New("server returned an error")
	ErrDecode    = errors.New("unexpected response body")
	ErrCanceled  = errors.New("request canceled")

	ErrResponseTooLarge = errors.New("response body too large")
)
