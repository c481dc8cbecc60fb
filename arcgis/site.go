package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ServerInfo is the reply of rest/info.
type ServerInfo struct {
	PortalResponse

	CurrentVersion  float64   `json:"currentVersion"`
	FullVersion     string    `json:"fullVersion,omitempty"`
	SoapURL         string    `json:"soapUrl,omitempty"`
	SecureSoapURL   string    `json:"secureSoapUrl,omitempty"`
	OwningSystemURL string    `json:"owningSystemUrl,omitempty"`
	AuthInfo        *AuthInfo `json:"authInfo,omitempty"`
}

// AuthInfo describes how a server issues tokens.
type AuthInfo struct {
	IsTokenBasedSecurity    bool   `json:"isTokenBasedSecurity"`
	TokenServicesURL        string `json:"tokenServicesUrl,omitempty"`
	ShortLivedTokenValidity int    `json:"shortLivedTokenValidity,omitempty"`
}

// HealthCheckResponse is the reply of rest/info/healthCheck.
type HealthCheckResponse struct {
	PortalResponse

	Success bool `json:"success"`
}

// Info returns the server's version and authentication settings.
func (g *Gateway) Info(ctx context.Context) (*ServerInfo, error) {
	var resp ServerInfo
	if err := g.Get(ctx, NewOperation(RootEndpoint("rest/info"), nil), &resp); err != nil {
		return nil, fmt.Errorf("getting server info: %w", err)
	}

	return &resp, nil
}

// HealthCheck reports whether the server considers itself healthy.
func (g *Gateway) HealthCheck(ctx context.Context) (*HealthCheckResponse, error) {
	var resp HealthCheckResponse
	if err := g.Get(ctx, NewOperation(RootEndpoint("rest/info/healthCheck"), nil), &resp); err != nil {
		return nil, fmt.Errorf("checking server health: %w", err)
	}

	return &resp, nil
}

// Ping requests endpoint and discards everything but the envelope.
func (g *Gateway) Ping(ctx context.Context, endpoint Endpoint) error {
	var resp PortalResponse
	if err := g.Get(ctx, NewOperation(endpoint, nil), &resp); err != nil {
		return fmt.Errorf("pinging %s: %w", endpoint, err)
	}

	return nil
}

// ServiceRef names a service in a site listing. Name includes the folder.
type ServiceRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Endpoint returns the service's rest/services endpoint.
func (s ServiceRef) Endpoint() Endpoint {
	return MustServerEndpoint(s.Name + "/" + s.Type)
}

// FolderDescription is the reply of rest/services or a folder below it.
type FolderDescription struct {
	PortalResponse

	Path           string       `json:"-"`
	CurrentVersion float64      `json:"currentVersion"`
	Folders        []string     `json:"folders"`
	Services       []ServiceRef `json:"services"`
}

// SiteDescription is the result of walking every folder of a site.
// Folders that could not be read are kept with Error set.
type SiteDescription struct {
	Resources []FolderDescription
}

// Version returns the highest version reported by any folder.
func (s *SiteDescription) Version() float64 {
	var v float64
	for _, r := range s.Resources {
		v = max(v, r.CurrentVersion)
	}

	return v
}

// Services returns the services of every readable folder.
func (s *SiteDescription) Services() []ServiceRef {
	var out []ServiceRef

	for _, r := range s.Resources {
		if r.Error == nil {
			out = append(out, r.Services...)
		}
	}

	return out
}

// DescribeSite walks rest/services and every folder below it. Folders the
// caller cannot read, or whose reply cannot be decoded, are recorded with
// Error set instead of failing the walk. Cancellation stops the walk.
func (g *Gateway) DescribeSite(ctx context.Context) (*SiteDescription, error) {
	site := &SiteDescription{}

	if err := g.describeFolder(ctx, "", site); err != nil {
		return nil, fmt.Errorf("describing site: %w", err)
	}

	return site, nil
}

func (g *Gateway) describeFolder(ctx context.Context, path string, site *SiteDescription) error {
	ep := MustServerEndpoint(serverPrefix + path)

	var folder FolderDescription

	err := g.Get(ctx, NewOperation(ep, nil), &folder)
	if err != nil {
		if errors.Is(err, ErrCanceled) || errors.Is(err, ErrClosed) {
			return err
		}

		g.logger.Warn("cannot describe folder", slog.String("path", ep.String()), slog.String("error", err.Error()))

		detail := ArcGISError{
			Message: "cannot describe folder " + ep.String(),
			Details: Details{err.Error()},
		}

		var se *ServerError
		if errors.As(err, &se) {
			detail = se.Detail
		}

		site.Resources = append(site.Resources, FolderDescription{
			PortalResponse: PortalResponse{Error: &detail},
			Path:           ep.String(),
		})

		return nil
	}

	folder.Path = ep.String()
	site.Resources = append(site.Resources, folder)

	for _, sub := range folder.Folders {
		// Listings below the root repeat the parent folder name.
		name := sub
		if path != "" && !strings.HasPrefix(sub, path+"/") {
			name = path + "/" + sub
		}

		if err := g.describeFolder(ctx, name, site); err != nil {
			return err
		}
	}

	return nil
}

// ServiceDescription is the reply of a service endpoint. Fields that vary
// by service type are kept raw.
type ServiceDescription struct {
	PortalResponse

	CurrentVersion        float64         `json:"currentVersion"`
	ServiceDescription    string          `json:"serviceDescription,omitempty"`
	MapName               string          `json:"mapName,omitempty"`
	Description           string          `json:"description,omitempty"`
	Capabilities          string          `json:"capabilities,omitempty"`
	SupportedQueryFormats string          `json:"supportedQueryFormats,omitempty"`
	MaxRecordCount        int             `json:"maxRecordCount,omitempty"`
	Layers                []LayerRef      `json:"layers,omitempty"`
	Tables                []LayerRef      `json:"tables,omitempty"`
	SpatialReference      json.RawMessage `json:"spatialReference,omitempty"`
	InitialExtent         json.RawMessage `json:"initialExtent,omitempty"`
	FullExtent            json.RawMessage `json:"fullExtent,omitempty"`

	// Service is set by DescribeServices.
	Service ServiceRef `json:"-"`
}

// LayerRef is a layer entry in a service description.
type LayerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// DescribeService returns the description of the service at endpoint.
func (g *Gateway) DescribeService(ctx context.Context, service Endpoint) (*ServiceDescription, error) {
	var resp ServiceDescription
	if err := g.Get(ctx, NewOperation(service, nil), &resp); err != nil {
		return nil, fmt.Errorf("describing service %s: %w", service, err)
	}

	return &resp, nil
}

// DescribeServices describes every service, with at most the configured
// concurrency in flight. Results are in input order. The first failure
// cancels the rest.
func (g *Gateway) DescribeServices(ctx context.Context, services []ServiceRef) ([]*ServiceDescription, error) {
	out := make([]*ServiceDescription, len(services))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for i, svc := range services {
		eg.Go(func() error {
			desc, err := g.DescribeService(egCtx, svc.Endpoint())
			if err != nil {
				return err
			}

			desc.Service = svc
			out[i] = desc

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
