package arcgis

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxGetRequestLength is the longest URL sent as a GET. Longer
	// requests are sent as POST.
	DefaultMaxGetRequestLength = 2047

	// DefaultTimeout applies to each HTTP call when no client or timeout
	// is supplied.
	DefaultTimeout = 30 * time.Second

	// DefaultConcurrency bounds parallel requests in DescribeServices.
	DefaultConcurrency = 4

	// DefaultTokenExpiration is the lifetime requested for credential
	// tokens, in minutes.
	DefaultTokenExpiration = 60

	// DefaultOAuthExpiration is the lifetime requested for OAuth tokens,
	// in minutes.
	DefaultOAuthExpiration = 120
)

// Option configures a Gateway, token provider or AttachmentWorker. Options
// that do not apply to the value being built are ignored.
type Option func(*options)

type options struct {
	httpClient     *http.Client
	logger         *slog.Logger
	serializer     Serializer
	tokenProvider  TokenProvider
	cryptoProvider CryptoProvider
	clock          clock.Clock
	registerer     prometheus.Registerer
	limiter        *rate.Limiter
	timeout        time.Duration
	maxGetLength   int
	concurrency    int
	hypermedia     bool
	referer        string
	expiration     int
	tokenURL       string
	dontForceHTTPS bool
}

func buildOptions(opts []Option) *options {
	o := &options{
		maxGetLength: DefaultMaxGetRequestLength,
		concurrency:  DefaultConcurrency,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.serializer == nil {
		o.serializer = JSONSerializer{}
	}

	if o.clock == nil {
		o.clock = clock.New()
	}

	return o
}

// WithHTTPClient sets the HTTP client. The caller keeps ownership of its
// transport, but Close still releases idle connections.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSerializer replaces the JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithTokenProvider sets the provider a Gateway or AttachmentWorker uses
// to authenticate. Without one, requests are anonymous.
func WithTokenProvider(p TokenProvider) Option {
	return func(o *options) { o.tokenProvider = p }
}

// WithCryptoProvider enables encryption of credential token requests.
func WithCryptoProvider(c CryptoProvider) Option {
	return func(o *options) { o.cryptoProvider = c }
}

// WithClock sets the clock used for token expiry. Tests use clock.NewMock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRateLimit limits outgoing HTTP calls to r per second with the given
// burst. Calls wait for a slot and fail with ErrCanceled if ctx ends first.
func WithRateLimit(r float64, burst int) Option {
	return func(o *options) { o.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithTimeout bounds every HTTP call. An expired timeout is reported as
// ErrCanceled.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxGetRequestLength sets the URL length above which GET requests are
// sent as POST.
func WithMaxGetRequestLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxGetLength = n
		}
	}
}

// WithConcurrency bounds the parallel requests made by DescribeServices.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithHypermedia fills PortalResponse.Links with a self link describing
// each request.
func WithHypermedia(enabled bool) Option {
	return func(o *options) { o.hypermedia = enabled }
}

// WithReferer sets the referer a token provider binds its tokens to. It
// must be an absolute URL.
func WithReferer(referer string) Option {
	return func(o *options) { o.referer = referer }
}

// WithTokenExpiration sets the requested token lifetime in minutes.
func WithTokenExpiration(minutes int) Option {
	return func(o *options) {
		if minutes > 0 {
			o.expiration = minutes
		}
	}
}

// WithTokenURL overrides the token endpoint of an OAuth provider.
func WithTokenURL(u string) Option {
	return func(o *options) { o.tokenURL = u }
}

// WithoutForcedHTTPS keeps the scheme of token endpoints as configured
// instead of upgrading them to https. Intended for test servers.
func WithoutForcedHTTPS() Option {
	return func(o *options) { o.dontForceHTTPS = true }
}
