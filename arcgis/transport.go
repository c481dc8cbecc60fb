package arcgis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/arcgis-client/internal/logging"
	"github.com/alexjbarnes/arcgis-client/internal/metrics"
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps reply reads. Query replies can be large but a
	// misbehaving server must not exhaust memory.
	maxResponseBytes = 64 << 20
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so tokens in the query string never
// reach a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// httpCore owns an HTTP client and the ambient dependencies shared by
// gateways, token providers and the attachment worker.
type httpCore struct {
	mu     sync.RWMutex
	client *http.Client

	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	clock   clock.Clock
	timeout time.Duration
	maxBody int64
}

func newHTTPCore(o *options) (*httpCore, error) {
	client := o.httpClient
	if client == nil {
		timeout := DefaultTimeout
		if o.timeout > 0 {
			timeout = o.timeout
		}

		client = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	logger := o.logger
	if logger == nil {
		logger = logging.Discard()
	}

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return &httpCore{
		client:  client,
		logger:  logger,
		metrics: m,
		limiter: o.limiter,
		clock:   o.clock,
		timeout: o.timeout,
		maxBody: maxResponseBytes,
	}, nil
}

func (c *httpCore) httpClient() (*http.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClosed
	}

	return c.client, nil
}

// do sends req and returns the reply body of a 2xx response. Failures are
// *TransportError, or ErrCanceled when ctx ended or the timeout expired.
// A body longer than the read limit is an error, never a truncated reply.
func (c *httpCore) do(ctx context.Context, req *http.Request) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.readBody(ctx, req, resp.Body)
}

func (c *httpCore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return context.WithCancel(ctx)
}

// open sends req under ctx and returns a 2xx response with its body
// unread. The caller closes the body.
func (c *httpCore) open(ctx context.Context, req *http.Request) (*http.Response, error) {
	client, err := c.httpClient()
	if err != nil {
		return nil, err
	}

	display := redactURL(req.URL)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, canceled(fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, canceled(fmt.Errorf("%s %s: %w", req.Method, display, err))
		}

		return nil, &TransportError{Method: req.Method, URL: display, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, &TransportError{
			Method:     req.Method,
			URL:        display,
			StatusCode: resp.StatusCode,
			Body:       sanitizeResponseBody(body),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	return resp, nil
}

// readBody reads r up to the read limit. One byte past the limit is read
// so an oversized reply is reported instead of cut short.
func (c *httpCore) readBody(ctx context.Context, req *http.Request, r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.maxBody+1))
	if err != nil {
		if isCancellation(ctx, err) {
			return nil, canceled(fmt.Errorf("reading response from %s: %w", redactURL(req.URL), err))
		}

		return nil, &TransportError{Method: req.Method, URL: redactURL(req.URL), Err: err}
	}

	if int64(len(body)) > c.maxBody {
		return nil, &TransportError{
			Method: req.Method,
			URL:    redactURL(req.URL),
			Err:    fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody),
		}
	}

	return body, nil
}

// observe records the outcome of one call started at start.
func (c *httpCore) observe(method string, start time.Time, err error) {
	c.metrics.ObserveRequest(method, outcomeOf(err), c.clock.Since(start))
}

// close releases idle connections and drops the client. It is safe to
// call more than once.
func (c *httpCore) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return
	}

	c.client.CloseIdleConnections()
	c.client = nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrCanceled):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrServer):
		return metrics.OutcomeServer
	case errors.Is(err, ErrDecode):
		return metrics.OutcomeDecode
	default:
		return metrics.OutcomeTransport
	}
}

// redactURL returns u as a string with any token parameter masked.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	if q.Get("token") == "" {
		return u.String()
	}

	q.Set("token", "REDACTED")

	clone := *u
	clone.RawQuery = q.Encode()

	return clone.String()
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// setReferer validates referer and sets it as the request's Referer
// header. An empty referer is ignored.
func setReferer(req *http.Request, referer string) error {
	if referer == "" {
		return nil
	}

	if err := validateReferer(referer); err != nil {
		return err
	}

	req.Header.Set("Referer", referer)

	return nil
}

func validateReferer(referer string) error {
	u, err := url.Parse(referer)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("referer %q must be an absolute URL", referer)
	}

	return nil
}
