package arcgis

import (
	"net/url"
	"strconv"
	"strings"
)

// GenerateToken is a username and password token request.
type GenerateToken struct {
	Username          string
	Password          string
	ExpirationMinutes int

	// Federated requests go to a portal's sharing API rather than the
	// server's tokens endpoint.
	Federated bool
	// DontForceHTTPS keeps an http: token URL as-is.
	DontForceHTTPS bool

	// Ciphertext is set by a CryptoProvider. When present its values are
	// sent instead of the plain fields.
	Ciphertext *EncryptedCredentials

	client  string
	referer string
}

// EncryptedCredentials holds hex encoded ciphertexts of each request
// field. Client and Referer are empty when the request has none.
type EncryptedCredentials struct {
	Username   string
	Password   string
	Expiration string
	Client     string
	Referer    string
}

// NewGenerateToken returns a request for a 60 minute token.
func NewGenerateToken(username, password string) *GenerateToken {
	return &GenerateToken{
		Username:          username,
		Password:          password,
		ExpirationMinutes: DefaultTokenExpiration,
	}
}

// Client returns the client identification type.
func (r *GenerateToken) Client() string { return r.client }

// Referer returns the referer the token will be bound to.
func (r *GenerateToken) Referer() string { return r.referer }

// SetClient sets the client identification type. Clearing it also clears
// the referer.
func (r *GenerateToken) SetClient(client string) {
	r.client = client
	if strings.TrimSpace(client) == "" {
		r.referer = ""
	}
}

// SetReferer sets the referer. A non-empty referer implies client
// "referer".
func (r *GenerateToken) SetReferer(referer string) {
	r.referer = referer
	if strings.TrimSpace(referer) != "" {
		r.client = "referer"
	}
}

// Encrypted reports whether a CryptoProvider has processed the request.
func (r *GenerateToken) Encrypted() bool { return r.Ciphertext != nil }

// Params returns the form fields sent to the token service.
func (r *GenerateToken) Params() url.Values {
	v := url.Values{}
	v.Set("f", "json")

	if ct := r.Ciphertext; ct != nil {
		v.Set("username", ct.Username)
		v.Set("password", ct.Password)
		v.Set("expiration", ct.Expiration)
		v.Set("encrypted", "true")

		if r.client != "" {
			v.Set("client", firstNonEmpty(ct.Client, r.client))
		}

		if r.referer != "" {
			v.Set("referer", firstNonEmpty(ct.Referer, r.referer))
		}

		return v
	}

	v.Set("username", r.Username)
	v.Set("password", r.Password)
	v.Set("expiration", strconv.Itoa(r.ExpirationMinutes))

	if r.client != "" {
		v.Set("client", r.client)
	}

	if r.referer != "" {
		v.Set("referer", r.referer)
	}

	return v
}

// TokenURL returns the token endpoint for a request against rootURL.
func (r *GenerateToken) TokenURL(rootURL string) string {
	root := rootURL
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	if !r.DontForceHTTPS {
		root = forceHTTPS(root)
	}

	if r.Federated {
		return sharingRoot(root) + "generateToken"
	}

	return root + "tokens/generateToken"
}

// sharingRoot reduces a portal URL to its sharing/rest/ root.
func sharingRoot(root string) string {
	lower := strings.ToLower(root)
	if i := strings.Index(lower, "sharing/"); i >= 0 {
		root = root[:i]
	}

	if !strings.HasSuffix(root, "/") {
		root += "/"
	}

	return root + portalPrefix
}

// GenerateOAuthToken is an OAuth2 client_credentials token request.
type GenerateOAuthToken struct {
	ClientID          string
	ClientSecret      string
	ExpirationMinutes int
}

// NewGenerateOAuthToken returns a request for a 120 minute token.
func NewGenerateOAuthToken(clientID, clientSecret string) *GenerateOAuthToken {
	return &GenerateOAuthToken{
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		ExpirationMinutes: DefaultOAuthExpiration,
	}
}

// Params returns the form fields sent to the OAuth token endpoint.
func (r *GenerateOAuthToken) Params() url.Values {
	v := url.Values{}
	v.Set("f", "json")
	v.Set("client_id", r.ClientID)
	v.Set("client_secret", r.ClientSecret)
	v.Set("grant_type", "client_credentials")
	v.Set("expiration", strconv.Itoa(r.ExpirationMinutes))

	return v
}

// GenerateFederatedToken exchanges a portal token for a token scoped to a
// federated server.
type GenerateFederatedToken struct {
	ServerURL      string
	Referer        string
	DontForceHTTPS bool
}

// Params returns the form fields for the exchange, carrying upstream's
// value as the token.
func (r *GenerateFederatedToken) Params(upstream *Token) url.Values {
	v := url.Values{}
	v.Set("f", "json")
	v.Set("request", "getToken")
	v.Set("serverUrl", r.ServerURL)

	if upstream != nil {
		v.Set("token", upstream.Value)
	}

	if r.Referer != "" {
		v.Set("referer", r.Referer)
	}

	return v
}

// TokenURL returns the portal's generateToken endpoint.
func (r *GenerateFederatedToken) TokenURL(portalURL string) string {
	root := portalURL
	if !r.DontForceHTTPS {
		root = forceHTTPS(root)
	}

	return sharingRoot(root) + "generateToken"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
