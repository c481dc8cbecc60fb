package arcgis

//go:generate mockgen -source=token_provider.go -destination=mock_token_provider_test.go -package=arcgis -mock_names=TokenProvider=MockTokenProvider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/alexjbarnes/arcgis-client/internal/metrics"
)

// TokenProvider supplies tokens for a Gateway.
//
// CheckGenerateToken returns the cached token while it is usable and
// fetches a new one otherwise. A (nil, nil) return means no token could be
// obtained and the request should proceed anonymously. Errors are reserved
// for cancellation (ErrCanceled), error envelopes from the token service
// (*ServerError) and misconfiguration.
type TokenProvider interface {
	CheckGenerateToken(ctx context.Context) (*Token, error)
	RootURL() string
	UserName() string
	Serializer() Serializer
	CryptoProvider() CryptoProvider
	Close() error
}

// tokenClient is the cache and HTTP plumbing shared by every provider.
// mu guards the cached values only and is never held during I/O, so
// callers racing an expiry may each request a token.
type tokenClient struct {
	*httpCore

	serializer Serializer
	kind       string

	mu        sync.Mutex
	token     *Token
	publicKey *PublicKeyResponse
}

func newTokenClient(kind string, o *options) (*tokenClient, error) {
	core, err := newHTTPCore(o)
	if err != nil {
		return nil, err
	}

	return &tokenClient{
		httpCore:   core,
		serializer: o.serializer,
		kind:       kind,
	}, nil
}

// cached returns the cached token if it is still usable.
func (c *tokenClient) cached() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.UsableAt(c.clock.Now()) {
		return c.token
	}

	return nil
}

// reset drops the cached token and public key.
func (c *tokenClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
	c.publicKey = nil
}

func (c *tokenClient) store(t *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = t
}

// Serializer returns the serializer used to decode token replies.
func (c *tokenClient) Serializer() Serializer { return c.serializer }

// Close releases the HTTP client and drops cached values. It is safe to
// call more than once.
func (c *tokenClient) Close() error {
	c.httpCore.close()
	c.reset()

	return nil
}

// requestToken posts form to tokenURL and decodes the reply into out. It
// returns false with a nil error when the failure should leave the caller
// without a token rather than fail the request: transport errors and
// undecodable replies. Cancellation and error envelopes are returned.
func (c *tokenClient) requestToken(ctx context.Context, tokenURL string, form url.Values, referer string, out any) (bool, error) {
	start := c.clock.Now()

	outcome, err := c.postToken(ctx, tokenURL, form, referer, out)

	c.metrics.TokenRequest(c.kind, outcome)
	c.metrics.ObserveRequest(http.MethodPost, outcome, c.clock.Since(start))

	return outcome == metrics.OutcomeSuccess, err
}

func (c *tokenClient) postToken(ctx context.Context, tokenURL string, form url.Values, referer string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return metrics.OutcomeTransport, fmt.Errorf("creating token request for %s: %w", tokenURL, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := setReferer(req, referer); err != nil {
		return metrics.OutcomeTransport, err
	}

	c.logger.Debug("requesting token", slog.String("provider", c.kind), slog.String("url", tokenURL))

	body, err := c.do(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrCanceled):
			c.logger.Warn("token request canceled", slog.String("url", tokenURL))
			return metrics.OutcomeCanceled, err
		case errors.Is(err, ErrClosed):
			return metrics.OutcomeTransport, err
		}

		c.logger.Warn("token request failed, continuing without a token",
			slog.String("url", tokenURL),
			slog.String("error", err.Error()),
		)

		return metrics.OutcomeTransport, nil
	}

	if apiErr, ok := envelopeError(body); ok {
		return metrics.OutcomeServer, &ServerError{URL: tokenURL, Detail: *apiErr}
	}

	if err := c.serializer.Parse(body, out); err != nil {
		c.logger.Warn("decoding token response failed, continuing without a token",
			slog.String("url", tokenURL),
			slog.String("error", err.Error()),
		)

		return metrics.OutcomeDecode, nil
	}

	return metrics.OutcomeSuccess, nil
}
