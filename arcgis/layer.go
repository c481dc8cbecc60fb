package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
)

// LayerDescription is the reply of a layer or table endpoint.
type LayerDescription struct {
	PortalResponse

	ID                        int                        `json:"id"`
	Name                      string                     `json:"name"`
	Type                      string                     `json:"type"`
	Description               string                     `json:"description,omitempty"`
	GeometryType              string                     `json:"geometryType,omitempty"`
	ObjectIDField             string                     `json:"objectIdField,omitempty"`
	GlobalIDField             string                     `json:"globalIdField,omitempty"`
	DisplayField              string                     `json:"displayField,omitempty"`
	MaxRecordCount            int                        `json:"maxRecordCount,omitempty"`
	Capabilities              string                     `json:"capabilities,omitempty"`
	HasAttachments            bool                       `json:"hasAttachments,omitempty"`
	Fields                    []Field                    `json:"fields,omitempty"`
	Extent                    json.RawMessage            `json:"extent,omitempty"`
	AdvancedQueryCapabilities *AdvancedQueryCapabilities `json:"advancedQueryCapabilities,omitempty"`
}

// AdvancedQueryCapabilities lists optional query features of a layer.
type AdvancedQueryCapabilities struct {
	SupportsPagination          bool `json:"supportsPagination"`
	SupportsStatistics          bool `json:"supportsStatistics"`
	SupportsOrderBy             bool `json:"supportsOrderBy"`
	SupportsDistinct            bool `json:"supportsDistinct"`
	SupportsQueryWithResultType bool `json:"supportsQueryWithResultType"`
}

// SupportsPagination reports whether the layer accepts resultOffset and
// resultRecordCount.
func (l *LayerDescription) SupportsPagination() bool {
	return l.AdvancedQueryCapabilities != nil && l.AdvancedQueryCapabilities.SupportsPagination
}

// ObjectIDFieldName returns objectIdField, or the first field of type
// esriFieldTypeOID when the layer does not name one.
func (l *LayerDescription) ObjectIDFieldName() string {
	if l.ObjectIDField != "" {
		return l.ObjectIDField
	}

	for _, f := range l.Fields {
		if f.Type == "esriFieldTypeOID" {
			return f.Name
		}
	}

	return ""
}

// DescribeLayer returns the description of the layer at endpoint.
func (g *Gateway) DescribeLayer(ctx context.Context, layer Endpoint) (*LayerDescription, error) {
	var resp LayerDescription
	if err := g.Get(ctx, NewOperation(layer, nil), &resp); err != nil {
		return nil, fmt.Errorf("describing layer %s: %w", layer, err)
	}

	return &resp, nil
}

// DomainsResponse is the reply of queryDomains.
type DomainsResponse struct {
	PortalResponse

	Domains []json.RawMessage `json:"domains"`
}

// QueryDomains returns the domains used by the given layers of the
// service at endpoint.
func (g *Gateway) QueryDomains(ctx context.Context, service Endpoint, layers []int) (*DomainsResponse, error) {
	op := NewOperation(service.Join("queryDomains"), map[string]any{"layers": layers})

	var resp DomainsResponse
	if err := g.Get(ctx, op, &resp); err != nil {
		return nil, fmt.Errorf("querying domains of %s: %w", service, err)
	}

	return &resp, nil
}
