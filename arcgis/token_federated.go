package arcgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FederatedTokenProvider exchanges a token from an upstream portal provider
// for a token scoped to a server federated with that portal.
type FederatedTokenProvider struct {
	*tokenClient

	upstream  TokenProvider
	portalURL string
	request   GenerateFederatedToken

	// closeUpstream is set when the provider built its own upstream.
	closeUpstream bool
}

var _ TokenProvider = (*FederatedTokenProvider)(nil)

// NewFederatedTokenProvider returns a provider that obtains portal tokens
// from upstream and exchanges them at {portal}/sharing/rest/generateToken
// for tokens valid on serverURL. The exchange endpoint is always https.
func NewFederatedTokenProvider(upstream TokenProvider, portalURL, serverURL string, opts ...Option) (*FederatedTokenProvider, error) {
	if upstream == nil {
		return nil, fmt.Errorf("creating federated token provider: upstream provider: %w", ErrMissingCredentials)
	}

	root, err := NormalizeRootURL(portalURL)
	if err != nil {
		return nil, fmt.Errorf("creating federated token provider: %w", err)
	}

	if _, err := parseRootURL(serverURL); err != nil {
		return nil, fmt.Errorf("creating federated token provider: server: %w", err)
	}

	o := buildOptions(opts)

	if o.referer != "" {
		if err := validateReferer(o.referer); err != nil {
			return nil, fmt.Errorf("creating federated token provider: %w", err)
		}
	}

	tc, err := newTokenClient("federated", o)
	if err != nil {
		return nil, err
	}

	p := &FederatedTokenProvider{
		tokenClient: tc,
		upstream:    upstream,
		portalURL:   root,
		request: GenerateFederatedToken{
			ServerURL: serverURL,
			Referer:   o.referer,
		},
	}

	p.logger.Debug("created token provider",
		slog.String("provider", "federated"),
		slog.String("portal", root),
		slog.String("server", serverURL),
	)

	return p, nil
}

// NewArcGISOnlineFederatedTokenProvider exchanges ArcGIS Online tokens for
// tokens valid on serverURL.
func NewArcGISOnlineFederatedTokenProvider(upstream TokenProvider, serverURL string, opts ...Option) (*FederatedTokenProvider, error) {
	opts = append([]Option{WithReferer(arcGISOnlineReferer)}, opts...)
	return NewFederatedTokenProvider(upstream, ArcGISOnlineRootURL, serverURL, opts...)
}

// RootURL returns the portal root.
func (p *FederatedTokenProvider) RootURL() string { return p.portalURL }

// UserName returns the upstream provider's user.
func (p *FederatedTokenProvider) UserName() string { return p.upstream.UserName() }

// CryptoProvider returns nil; the exchange carries no credentials.
func (p *FederatedTokenProvider) CryptoProvider() CryptoProvider { return nil }

// Close releases the provider. The upstream provider is closed only when
// it was built by NewGatewayFromServerInfo or NewGatewayFromConfig.
func (p *FederatedTokenProvider) Close() error {
	err := p.tokenClient.Close()

	if p.closeUpstream {
		err = errors.Join(err, p.upstream.Close())
	}

	return err
}

// CheckGenerateToken returns the cached server token or performs a new
// exchange. No upstream token means no server token.
func (p *FederatedTokenProvider) CheckGenerateToken(ctx context.Context) (*Token, error) {
	if t := p.cached(); t != nil {
		return t, nil
	}

	p.reset()

	upstream, err := p.upstream.CheckGenerateToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating upstream token: %w", err)
	}

	if upstream == nil || upstream.Value == "" {
		p.logger.Warn("upstream provider returned no token, skipping exchange")
		return nil, nil
	}

	var tok Token

	ok, err := p.requestToken(ctx, p.request.TokenURL(p.portalURL), p.request.Params(upstream), p.request.Referer, &tok)
	if err != nil || !ok {
		return nil, err
	}

	if tok.Value == "" {
		p.logger.Warn("token exchange response carried no token")
		return nil, nil
	}

	tok.Referer = p.request.Referer
	p.store(&tok)

	return &tok, nil
}
