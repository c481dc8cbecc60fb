package arcgis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"unicode/utf8"
)

// maxFormValueLength is the longest value sent url-encoded. Longer values
// go out as multipart.
const maxFormValueLength = 65519

var errNotFormEncodable = errors.New("parameters cannot be form encoded")

// Gateway issues operations against one ArcGIS Server site or portal.
// It is safe for concurrent use.
type Gateway struct {
	*httpCore

	rootURL       string
	tokenProvider TokenProvider
	serializer    Serializer
	maxGetLength  int
	concurrency   int
	hypermedia    bool
}

// NewGateway returns a gateway for the site at rootURL. Any URL inside the
// site is accepted; it is reduced to the site root.
func NewGateway(rootURL string, opts ...Option) (*Gateway, error) {
	root, err := NormalizeRootURL(rootURL)
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}

	o := buildOptions(opts)

	core, err := newHTTPCore(o)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		httpCore:      core,
		rootURL:       root,
		tokenProvider: o.tokenProvider,
		serializer:    o.serializer,
		maxGetLength:  o.maxGetLength,
		concurrency:   o.concurrency,
		hypermedia:    o.hypermedia,
	}

	g.logger.Debug("created gateway",
		slog.String("root", root),
		slog.Bool("authenticated", o.tokenProvider != nil),
	)

	return g, nil
}

// RootURL returns the normalized site root.
func (g *Gateway) RootURL() string { return g.rootURL }

// TokenProvider returns the configured provider, or nil for anonymous
// access.
func (g *Gateway) TokenProvider() TokenProvider { return g.tokenProvider }

// Serializer returns the serializer used for parameters and replies.
func (g *Gateway) Serializer() Serializer { return g.serializer }

// Close releases the HTTP client and closes the token provider. It is safe
// to call more than once.
func (g *Gateway) Close() error {
	g.httpCore.close()

	if g.tokenProvider != nil {
		return g.tokenProvider.Close()
	}

	return nil
}

// Get sends op as a GET and decodes the reply into out, which may be nil.
// Requests whose URL would exceed the configured maximum length are sent
// as POST instead.
func (g *Gateway) Get(ctx context.Context, op *Operation, out any) error {
	endpoint, params, err := g.prepare(op)
	if err != nil {
		return err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, endpoint, err)
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}

	u.RawQuery = q.Encode()

	if length := len(u.String()); length > g.maxGetLength {
		g.logger.Debug("request too long for GET, sending as POST",
			slog.String("endpoint", endpoint),
			slog.Int("length", length),
			slog.Int("max", g.maxGetLength),
		)

		return g.post(ctx, op, endpoint, params, out)
	}

	op.before()

	tok, err := resolveToken(ctx, g.tokenProvider, op.Token, g.logger)
	if err != nil {
		return err
	}

	if q.Get("f") == "" {
		q.Set("f", "json")
	}

	if tok != nil && q.Get("token") == "" {
		q.Set("token", tok.Value)
	}

	u.RawQuery = q.Encode()

	target := u.String()
	if tok != nil && tok.AlwaysUseSSL {
		target = forceHTTPS(target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if tok != nil {
		if err := setReferer(req, tok.Referer); err != nil {
			return err
		}
	}

	g.logger.Debug("GET", slog.String("url", redactURL(req.URL)))

	return g.exchange(ctx, req, op, params, out)
}

// Post sends op as a form-encoded POST and decodes the reply into out.
func (g *Gateway) Post(ctx context.Context, op *Operation, out any) error {
	endpoint, params, err := g.prepare(op)
	if err != nil {
		return err
	}

	return g.post(ctx, op, endpoint, params, out)
}

func (g *Gateway) post(ctx context.Context, op *Operation, endpoint string, params map[string]string, out any) error {
	op.before()

	tok, err := resolveToken(ctx, g.tokenProvider, op.Token, g.logger)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	if form.Get("f") == "" {
		form.Set("f", "json")
	}

	if tok != nil && form.Get("token") == "" {
		form.Set("token", tok.Value)
	}

	target := endpoint
	if tok != nil && tok.AlwaysUseSSL {
		target = forceHTTPS(target)
	}

	body, contentType, err := encodeForm(form)
	if errors.Is(err, errNotFormEncodable) {
		g.logger.Warn("parameters cannot be form encoded, sending multipart", slog.String("endpoint", endpoint))
		body, contentType, err = encodeMultipart(form)
	}

	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	if tok != nil {
		if err := setReferer(req, tok.Referer); err != nil {
			return err
		}
	}

	g.logger.Debug("POST", slog.String("url", redactURL(req.URL)))

	return g.exchange(ctx, req, op, params, out)
}

// prepare resolves the endpoint and flattens the parameters.
func (g *Gateway) prepare(op *Operation) (string, map[string]string, error) {
	if op == nil {
		return "", nil, ErrNilOperation
	}

	if _, err := g.httpClient(); err != nil {
		return "", nil, err
	}

	endpoint, err := op.Endpoint.BuildAbsoluteURL(g.rootURL)
	if err != nil {
		return "", nil, err
	}

	params, err := g.serializer.Flatten(op.Params)
	if err != nil {
		return "", nil, fmt.Errorf("flattening parameters for %s: %w", endpoint, err)
	}

	return endpoint, params, nil
}

// resolveToken returns the token to send, or nil for anonymous requests.
// An explicit override wins over the provider.
func resolveToken(ctx context.Context, provider TokenProvider, override string, logger *slog.Logger) (*Token, error) {
	if override != "" {
		return &Token{Value: override}, nil
	}

	if provider == nil {
		return nil, nil
	}

	tok, err := provider.CheckGenerateToken(ctx)
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			logger.Warn("token resolution canceled")
			return nil, err
		}

		return nil, fmt.Errorf("generating token: %w", err)
	}

	if ctx.Err() != nil {
		logger.Warn("token resolution canceled")
		return nil, canceled(ctx.Err())
	}

	if tok == nil || tok.Value == "" {
		return nil, nil
	}

	return tok, nil
}

// exchange sends req, checks the reply for an error envelope and decodes
// it into out.
func (g *Gateway) exchange(ctx context.Context, req *http.Request, op *Operation, params map[string]string, out any) error {
	start := g.clock.Now()

	err := g.roundTrip(ctx, req, op, params, out)

	g.observe(req.Method, start, err)

	if errors.Is(err, ErrCanceled) {
		g.logger.Warn("request canceled", slog.String("url", redactURL(req.URL)))
	}

	return err
}

func (g *Gateway) roundTrip(ctx context.Context, req *http.Request, op *Operation, params map[string]string, out any) error {
	body, err := g.do(ctx, req)
	if err != nil {
		return err
	}

	display := endpointOf(req.URL)

	if apiErr, ok := envelopeError(body); ok {
		return &ServerError{URL: display, Detail: *apiErr}
	}

	if out != nil {
		if err := g.serializer.Parse(body, out); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", ErrDecode, display, err)
		}

		if g.hypermedia {
			if env, ok := out.(Enveloped); ok {
				data := maps.Clone(params)
				delete(data, "token")

				env.Envelope().Links = append(env.Envelope().Links, Link{
					Rel:    "self",
					Href:   display,
					Method: req.Method,
					Data:   data,
				})
			}
		}
	}

	op.after(body)

	return nil
}

// endpointOf returns u without its query string.
func endpointOf(u *url.URL) string {
	clone := *u
	clone.RawQuery = ""
	clone.Fragment = ""

	return clone.String()
}

func encodeForm(form url.Values) ([]byte, string, error) {
	for k, values := range form {
		if !utf8.ValidString(k) {
			return nil, "", errNotFormEncodable
		}

		for _, v := range values {
			if len(v) > maxFormValueLength || !utf8.ValidString(v) {
				return nil, "", errNotFormEncodable
			}
		}
	}

	return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
}

func encodeMultipart(form url.Values) ([]byte, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	for _, k := range slices.Sorted(maps.Keys(form)) {
		for _, v := range form[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("writing field %s: %w", k, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
