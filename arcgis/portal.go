package arcgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/alexjbarnes/arcgis-client/internal/config"
	"github.com/alexjbarnes/arcgis-client/internal/logging"
)

// ArcGISOnlineURL is the root of ArcGIS Online.
const ArcGISOnlineURL = "https://www.arcgis.com/"

// SearchRequest is a portal item search. The zero value is completed
// with the portal's defaults: sort by created ascending, first 10 items.
type SearchRequest struct {
	Query     string
	Extent    *Extent
	SortField []string
	SortOrder string
	Num       int
	Start     int
}

func (r *SearchRequest) params() map[string]any {
	p := map[string]any{
		"q":         r.Query,
		"sortField": "created",
		"sortOrder": firstNonEmpty(r.SortOrder, "asc"),
		"num":       10,
		"start":     1,
	}

	if len(r.SortField) > 0 {
		p["sortField"] = strings.Join(r.SortField, ",")
	}

	if r.Num > 0 {
		p["num"] = r.Num
	}

	if r.Start > 0 {
		p["start"] = r.Start
	}

	// bbox is only understood in WGS84.
	if e := r.Extent; e != nil && e.SpatialReference != nil && e.SpatialReference.WKID == 4326 {
		p["bbox"] = e.bbox()
	}

	return p
}

// PortalItem is one search result.
type PortalItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
	Owner string `json:"owner,omitempty"`
	URL   string `json:"url"`
}

// SearchResponse is the reply of a portal search.
type SearchResponse struct {
	PortalResponse

	Total     int          `json:"total"`
	Start     int          `json:"start"`
	Num       int          `json:"num"`
	NextStart int          `json:"nextStart"`
	Results   []PortalItem `json:"results"`
}

// Search runs a portal item search against sharing/rest/search.
func (g *Gateway) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if req == nil {
		return nil, ErrNilOperation
	}

	ep, err := PortalEndpoint("search")
	if err != nil {
		return nil, err
	}

	var resp SearchResponse
	if err := g.Get(ctx, NewOperation(ep, req.params()), &resp); err != nil {
		return nil, fmt.Errorf("searching %q: %w", req.Query, err)
	}

	return &resp, nil
}

// SearchHostedFeatureServices lists the feature services owned by
// username. An empty username falls back to the token provider's user;
// without either every feature service is searched.
func (g *Gateway) SearchHostedFeatureServices(ctx context.Context, username string) (*SearchResponse, error) {
	if username == "" && g.tokenProvider != nil {
		username = g.tokenProvider.UserName()
	}

	q := `type:"Feature Service"`
	if username != "" {
		q = fmt.Sprintf(`owner:%s AND (%s)`, username, q)
	}

	return g.Search(ctx, &SearchRequest{Query: q})
}

// NewArcGISOnlineGateway returns a gateway for ArcGIS Online. Pass
// WithTokenProvider to authenticate.
func NewArcGISOnlineGateway(opts ...Option) (*Gateway, error) {
	return NewGateway(ArcGISOnlineURL, opts...)
}

// NewGatewayFromServerInfo reads rest/info anonymously and builds a
// gateway whose token provider matches how the server issues tokens:
// ArcGIS Online for servers owned by arcgis.com, a federated exchange
// when the token service lives outside the server, and the server's own
// token service otherwise. Without a username, or when the server does
// not use token security, the gateway is anonymous.
func NewGatewayFromServerInfo(ctx context.Context, rootURL, username, password string, opts ...Option) (*Gateway, error) {
	probe, err := NewGateway(rootURL, slices.Concat(opts, []Option{WithTokenProvider(nil)})...)
	if err != nil {
		return nil, err
	}

	info, err := probe.Info(ctx)
	_ = probe.Close()

	if err != nil {
		return nil, fmt.Errorf("discovering token service for %s: %w", probe.RootURL(), err)
	}

	provider, err := providerForServer(info, probe.RootURL(), username, password, opts)
	if err != nil {
		return nil, err
	}

	g, err := NewGateway(probe.RootURL(), slices.Concat(opts, []Option{WithTokenProvider(provider)})...)
	if err != nil {
		if provider != nil {
			_ = provider.Close()
		}

		return nil, err
	}

	return g, nil
}

func providerForServer(info *ServerInfo, root, username, password string, opts []Option) (TokenProvider, error) {
	if username == "" || password == "" {
		return nil, nil
	}

	owner := strings.ToLower(info.OwningSystemURL)
	if strings.HasPrefix(owner, "http://www.arcgis.com") || strings.HasPrefix(owner, "https://www.arcgis.com") {
		return NewArcGISOnlineTokenProvider(username, password, opts...)
	}

	if info.AuthInfo == nil || info.AuthInfo.TokenServicesURL == "" {
		return nil, nil
	}

	tokenURL := info.AuthInfo.TokenServicesURL
	if strings.HasPrefix(withoutScheme(tokenURL), withoutScheme(root)) {
		return NewTokenProvider(root, username, password, opts...)
	}

	portal := strings.TrimSuffix(tokenURL, "/generateToken")
	referer := strings.TrimSuffix(tokenURL, "/sharing/rest/generateToken") + "/rest"

	return newOwnedFederatedProvider(portal, root, username, password, referer, opts)
}

// withoutScheme lower-cases u and drops its scheme so http and https
// forms of the same site compare equal.
func withoutScheme(u string) string {
	u = strings.ToLower(u)
	if _, rest, ok := strings.Cut(u, "://"); ok {
		return rest
	}

	return u
}

// newOwnedFederatedProvider builds a portal provider and a federated
// provider on top of it that closes it.
func newOwnedFederatedProvider(portal, server, username, password, referer string, opts []Option) (TokenProvider, error) {
	upstream, err := NewPortalTokenProvider(portal, username, password, opts...)
	if err != nil {
		return nil, err
	}

	p, err := NewFederatedTokenProvider(upstream, portal, server, append([]Option{WithReferer(referer)}, opts...)...)
	if err != nil {
		_ = upstream.Close()
		return nil, err
	}

	p.closeUpstream = true

	return p, nil
}

// NewGatewayFromConfig builds a gateway and its token provider from cfg.
// Application credentials select OAuth, a portal URL selects a federated
// exchange, a username selects the server's token service, and nothing
// selects anonymous access. opts are applied after the configured ones.
func NewGatewayFromConfig(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	root, err := NormalizeRootURL(cfg.RootURL)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.Environment, cfg.LogLevel)

	base := []Option{
		WithLogger(logger),
		WithTimeout(cfg.RequestTimeout),
		WithMaxGetRequestLength(cfg.MaxGetLength),
		WithConcurrency(cfg.Concurrency),
		WithTokenExpiration(cfg.TokenExpiration),
	}

	if cfg.Referer != "" {
		base = append(base, WithReferer(cfg.Referer))
	}

	if cfg.EncryptTokenRequests {
		base = append(base, WithCryptoProvider(&RSAEncrypter{}))
	}

	all := append(base, opts...)

	var provider TokenProvider

	switch {
	case cfg.HasClientCredentials():
		oauthOpts := all
		if cfg.PortalURL != "" {
			oauthOpts = append([]Option{WithTokenURL(sharingRoot(cfg.PortalURL) + "oauth2/token")}, all...)
		}

		provider, err = NewOAuthTokenProvider(cfg.ClientID, cfg.ClientSecret, oauthOpts...)
	case cfg.PortalURL != "":
		referer := firstNonEmpty(cfg.Referer, strings.TrimRight(cfg.PortalURL, "/")+"/rest")
		provider, err = newOwnedFederatedProvider(cfg.PortalURL, root, cfg.Username, cfg.Password, referer, all)
	case cfg.HasCredentials():
		provider, err = NewTokenProvider(root, cfg.Username, cfg.Password, all...)
	}

	if err != nil {
		return nil, fmt.Errorf("creating token provider: %w", err)
	}

	g, err := NewGateway(root, append(all, WithTokenProvider(provider))...)
	if err != nil {
		if provider != nil {
			_ = provider.Close()
		}

		return nil, err
	}

	logger.Info("gateway configured",
		slog.String("root", root),
		slog.Bool("authenticated", provider != nil),
		slog.Bool("production", cfg.IsProduction()),
	)

	return g, nil
}
