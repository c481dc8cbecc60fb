package arcgis

import (
	"time"
)

// Token is an access token issued by a token service.
type Token struct {
	Value string `json:"token"`
	// Expiry is milliseconds since the Unix epoch. Zero means the server
	// did not say.
	Expiry int64 `json:"expires"`
	// Referer is the referer the token was bound to. Token services do not
	// echo it, so providers fill it in after a successful request.
	Referer string `json:"-"`
	// AlwaysUseSSL requires every request made with the token to use
	// https.
	AlwaysUseSSL bool         `json:"ssl"`
	Error        *ArcGISError `json:"error,omitempty"`
}

// IsExpiredAt reports whether the token has a value and a known expiry at
// or before now.
func (t *Token) IsExpiredAt(now time.Time) bool {
	return t != nil && t.Value != "" && t.Expiry > 0 && t.Expiry <= now.UnixMilli()
}

// IsExpired is IsExpiredAt using the wall clock.
func (t *Token) IsExpired() bool {
	return t.IsExpiredAt(time.Now())
}

// UsableAt reports whether the token can be reused from a cache at now.
// Tokens without a value or without a known expiry never are.
func (t *Token) UsableAt(now time.Time) bool {
	return t != nil && t.Value != "" && t.Expiry > 0 && t.Expiry > now.UnixMilli()
}

// ExpiresAt returns the expiry as a time, or the zero time when unknown.
func (t *Token) ExpiresAt() time.Time {
	if t == nil || t.Value == "" || t.Expiry <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(t.Expiry)
}

// oauthToken is the reply of the OAuth2 token endpoint.
type oauthToken struct {
	Value     string       `json:"access_token"`
	ExpiresIn int64        `json:"expires_in"`
	Error     *ArcGISError `json:"error,omitempty"`
}

// asToken converts the relative expires_in (seconds) to an absolute
// expiry. OAuth tokens must always be used over https.
func (o oauthToken) asToken(now time.Time) *Token {
	return &Token{
		Value:        o.Value,
		Expiry:       now.UnixMilli() + o.ExpiresIn*1000,
		AlwaysUseSSL: true,
		Error:        o.Error,
	}
}
