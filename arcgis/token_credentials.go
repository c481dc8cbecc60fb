package arcgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

const (
	// ArcGISOnlineRootURL is the sharing API root of ArcGIS Online.
	ArcGISOnlineRootURL = "https://www.arcgis.com/sharing/rest/"

	arcGISOnlineReferer = "https://www.arcgis.com"
)

// CredentialTokenProvider generates tokens from a username and password.
// When a CryptoProvider is configured the credentials are encrypted with
// the server's public key while the key endpoint is reachable.
type CredentialTokenProvider struct {
	*tokenClient

	rootURL  string
	template GenerateToken
	crypto   CryptoProvider
	usesKey  bool

	// publicKeyInaccessible is set after the first failed public key fetch
	// and never cleared.
	publicKeyInaccessible atomic.Bool
}

var _ TokenProvider = (*CredentialTokenProvider)(nil)

// NewTokenProvider returns a provider for an ArcGIS Server site that
// posts to {root}/tokens/generateToken.
func NewTokenProvider(rootURL, username, password string, opts ...Option) (*CredentialTokenProvider, error) {
	return newCredentialTokenProvider("credentials", rootURL, username, password, false, "", true, opts)
}

// NewPortalTokenProvider returns a provider for a portal (or a server
// federated with one) that posts to {portal}/sharing/rest/generateToken.
// The referer defaults to {portal}/rest.
func NewPortalTokenProvider(portalURL, username, password string, opts ...Option) (*CredentialTokenProvider, error) {
	return newCredentialTokenProvider("portal", portalURL, username, password, true,
		strings.TrimRight(portalURL, "/")+"/rest", true, opts)
}

// NewArcGISOnlineTokenProvider returns a portal provider for ArcGIS Online
// named users.
func NewArcGISOnlineTokenProvider(username, password string, opts ...Option) (*CredentialTokenProvider, error) {
	return newCredentialTokenProvider("arcgis_online", ArcGISOnlineRootURL, username, password, true,
		arcGISOnlineReferer, false, opts)
}

func newCredentialTokenProvider(kind, rootURL, username, password string, federated bool, defaultReferer string, publicKey bool, opts []Option) (*CredentialTokenProvider, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("creating %s token provider: %w", kind, ErrMissingCredentials)
	}

	root, err := NormalizeRootURL(rootURL)
	if err != nil {
		return nil, fmt.Errorf("creating %s token provider: %w", kind, err)
	}

	o := buildOptions(opts)

	referer := o.referer
	if referer == "" {
		referer = defaultReferer
	}

	if referer != "" {
		if err := validateReferer(referer); err != nil {
			return nil, fmt.Errorf("creating %s token provider: %w", kind, err)
		}
	}

	tc, err := newTokenClient(kind, o)
	if err != nil {
		return nil, err
	}

	p := &CredentialTokenProvider{
		tokenClient: tc,
		rootURL:     root,
		crypto:      o.cryptoProvider,
		usesKey:     publicKey,
		template: GenerateToken{
			Username:          username,
			Password:          password,
			ExpirationMinutes: DefaultTokenExpiration,
			Federated:         federated,
			DontForceHTTPS:    o.dontForceHTTPS,
		},
	}

	if o.expiration > 0 {
		p.template.ExpirationMinutes = o.expiration
	}

	p.template.SetReferer(referer)

	p.logger.Debug("created token provider", slog.String("provider", kind), slog.String("root", root))

	return p, nil
}

// RootURL returns the normalized root the provider authenticates against.
func (p *CredentialTokenProvider) RootURL() string { return p.rootURL }

// UserName returns the configured username.
func (p *CredentialTokenProvider) UserName() string { return p.template.Username }

// CryptoProvider returns the configured crypto provider, or nil.
func (p *CredentialTokenProvider) CryptoProvider() CryptoProvider { return p.crypto }

// PublicKeyAccessible reports whether encryption will still be attempted.
func (p *CredentialTokenProvider) PublicKeyAccessible() bool {
	return p.usesKey && !p.publicKeyInaccessible.Load()
}

// TokenRequest returns a copy of the request the provider sends,
// before encryption.
func (p *CredentialTokenProvider) TokenRequest() *GenerateToken {
	req := p.template
	return &req
}

// CheckGenerateToken returns the cached token or generates a new one.
func (p *CredentialTokenProvider) CheckGenerateToken(ctx context.Context) (*Token, error) {
	if t := p.cached(); t != nil {
		return t, nil
	}

	p.reset()

	req := p.TokenRequest()

	if p.crypto != nil && p.PublicKeyAccessible() {
		key, err := p.fetchPublicKey(ctx)
		if err != nil {
			return nil, err
		}

		if key != nil {
			if req, err = p.encrypt(req, key); err != nil {
				return nil, err
			}
		}
	}

	var tok Token

	ok, err := p.requestToken(ctx, req.TokenURL(p.rootURL), req.Params(), req.Referer(), &tok)
	if err != nil || !ok {
		return nil, err
	}

	if tok.Value == "" {
		p.logger.Warn("token response carried no token", slog.String("provider", p.kind))
		return nil, nil
	}

	tok.Referer = req.Referer()
	p.store(&tok)

	return &tok, nil
}

func (p *CredentialTokenProvider) encrypt(req *GenerateToken, key *PublicKeyResponse) (*GenerateToken, error) {
	exponent, modulus, err := key.Key()
	if err != nil {
		p.logger.Warn("ignoring unusable public key", slog.String("error", err.Error()))
		return req, nil
	}

	enc, err := p.crypto.Encrypt(req, exponent, modulus)
	if err != nil {
		return nil, fmt.Errorf("encrypting token request: %w", err)
	}

	return enc, nil
}

// fetchPublicKey gets {root}admin/publicKey. A transport failure marks the
// endpoint inaccessible for the life of the provider and returns a nil
// key so the caller continues unencrypted.
func (p *CredentialTokenProvider) fetchPublicKey(ctx context.Context) (*PublicKeyResponse, error) {
	keyURL := p.rootURL + adminPrefix + "publicKey?f=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating public key request: %w", err)
	}

	body, err := p.do(ctx, req)
	if err != nil {
		if errors.Is(err, ErrCanceled) || errors.Is(err, ErrClosed) {
			return nil, err
		}

		p.publicKeyInaccessible.Store(true)
		p.logger.Warn("public key endpoint unreachable, sending credentials unencrypted",
			slog.String("url", keyURL),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	if apiErr, ok := envelopeError(body); ok {
		return nil, &ServerError{URL: keyURL, Detail: *apiErr}
	}

	var key PublicKeyResponse
	if err := p.serializer.Parse(body, &key); err != nil {
		p.logger.Warn("decoding public key failed", slog.String("error", err.Error()))
		return nil, nil
	}

	p.mu.Lock()
	p.tokenClient.publicKey = &key
	p.mu.Unlock()

	return &key, nil
}
