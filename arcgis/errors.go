package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net"

	apperrors "github.com/alexjbarnes/arcgis-client/internal/errors"
)

// Sentinel errors. Use errors.Is to match them; *TransportError and
// *ServerError match ErrTransport and ErrServer respectively. A reply
// over the read limit is a *TransportError wrapping ErrResponseTooLarge.
var (
	ErrInvalidEndpoint    = apperrors.ErrInvalidEndpoint
	ErrInvalidRootURL     = apperrors.ErrInvalidRootURL
	ErrMissingCredentials = apperrors.ErrMissingCredentials
	ErrNilOperation       = apperrors.ErrNilOperation
	ErrClosed             = apperrors.ErrClosed
	ErrTransport          = apperrors.ErrTransport
	ErrServer             = apperrors.ErrServer
	ErrDecode             = apperrors.ErrDecode
	ErrCanceled           = apperrors.ErrCanceled
	ErrResponseTooLarge   = apperrors.ErrResponseTooLarge
)

// TransportError is returned when the HTTP exchange itself fails: the
// request could not be sent, or the server answered with a non-2xx status.
// It is never retried by this package.
type TransportError struct {
	Method     string
	URL        string // token parameter redacted
	StatusCode int    // zero when no response was received
	Body       string // sanitized, truncated response body
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ServerError is returned when the server replies with an error envelope.
// The HTTP status of such replies is normally 200.
type ServerError struct {
	URL    string
	Detail ArcGISError
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("API %s: %s", e.URL, e.Detail.Error())
}

func (e *ServerError) Is(target error) bool { return target == ErrServer }

// Code returns the error code reported by the server.
func (e *ServerError) Code() int { return e.Detail.Code }

// IsCanceled reports whether err is the result of a cancelled context or
// an expired request timeout.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsServerError reports whether err carries an error envelope returned by
// the server, as opposed to a failed HTTP exchange.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

func canceled(err error) error {
	if errors.Is(err, ErrCanceled) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// isCancellation reports whether err was caused by ctx ending or by the
// HTTP client's own timeout.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
