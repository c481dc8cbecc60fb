package arcgis

import (
	"context"
	"fmt"
	"log/slog"
)

// ArcGISOnlineOAuthURL is the default OAuth2 token endpoint.
const ArcGISOnlineOAuthURL = "https://www.arcgis.com/sharing/rest/oauth2/token"

// OAuthTokenProvider generates application tokens with the OAuth2
// client_credentials grant.
type OAuthTokenProvider struct {
	*tokenClient

	tokenURL string
	request  GenerateOAuthToken
}

var _ TokenProvider = (*OAuthTokenProvider)(nil)

// NewOAuthTokenProvider returns a provider for the given application
// credentials. WithTokenURL points it at a portal other than ArcGIS
// Online.
func NewOAuthTokenProvider(clientID, clientSecret string, opts ...Option) (*OAuthTokenProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("creating oauth token provider: %w", ErrMissingCredentials)
	}

	o := buildOptions(opts)

	tokenURL := ArcGISOnlineOAuthURL
	if o.tokenURL != "" {
		if _, err := parseRootURL(o.tokenURL); err != nil {
			return nil, fmt.Errorf("creating oauth token provider: %w", err)
		}

		tokenURL = o.tokenURL
	}

	if !o.dontForceHTTPS {
		tokenURL = forceHTTPS(tokenURL)
	}

	tc, err := newTokenClient("oauth", o)
	if err != nil {
		return nil, err
	}

	p := &OAuthTokenProvider{
		tokenClient: tc,
		tokenURL:    tokenURL,
		request:     *NewGenerateOAuthToken(clientID, clientSecret),
	}

	if o.expiration > 0 {
		p.request.ExpirationMinutes = o.expiration
	}

	p.logger.Debug("created token provider", slog.String("provider", "oauth"), slog.String("url", tokenURL))

	return p, nil
}

// RootURL returns the sharing root of the token endpoint.
func (p *OAuthTokenProvider) RootURL() string { return sharingRoot(p.tokenURL) }

// UserName returns the client id. Application tokens have no named user.
func (p *OAuthTokenProvider) UserName() string { return p.request.ClientID }

// CryptoProvider returns nil; client secrets are only sent over https.
func (p *OAuthTokenProvider) CryptoProvider() CryptoProvider { return nil }

// CheckGenerateToken returns the cached token or requests a new one. The
// endpoint reports a lifetime in seconds which is converted to an
// absolute expiry using the provider's clock.
func (p *OAuthTokenProvider) CheckGenerateToken(ctx context.Context) (*Token, error) {
	if t := p.cached(); t != nil {
		return t, nil
	}

	p.reset()

	var resp oauthToken

	ok, err := p.requestToken(ctx, p.tokenURL, p.request.Params(), "", &resp)
	if err != nil || !ok {
		return nil, err
	}

	if resp.Value == "" {
		p.logger.Warn("oauth response carried no access token")
		return nil, nil
	}

	tok := resp.asToken(p.clock.Now())
	p.store(tok)

	return tok, nil
}
