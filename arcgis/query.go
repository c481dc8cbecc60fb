package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/text/cases"
)

// Query is a layer query. Build it with NewQuery so the defaults match the
// REST API's expectations.
type Query struct {
	// Layer is the layer endpoint, e.g. Svc/FeatureServer/0.
	Layer Endpoint

	Where          string
	OutFields      []string
	ObjectIDs      []int64
	Geometry       json.RawMessage
	GeometryType   string
	SpatialRel     string
	InSR           int
	OutSR          int
	ReturnGeometry bool
	ReturnZ        bool
	ReturnM        bool
	OrderByFields  []string
	Time           *TimeExtent

	ResultOffset      int
	ResultRecordCount int

	ReturnCountOnly      bool
	ReturnIDsOnly        bool
	ReturnExtentOnly     bool
	ReturnDistinctValues bool

	// Extra holds parameters without a dedicated field.
	Extra map[string]any
}

// TimeExtent restricts a query to features within a time range. A nil
// bound is open.
type TimeExtent struct {
	Start *time.Time
	End   *time.Time
}

func (t *TimeExtent) param() string {
	bound := func(v *time.Time) string {
		if v == nil {
			return "null"
		}

		return strconv.FormatInt(v.UnixMilli(), 10)
	}

	return bound(t.Start) + "," + bound(t.End)
}

// NewQuery returns a query for every feature of layer with all fields and
// geometry. A trailing /query on layer is dropped.
func NewQuery(layer Endpoint) *Query {
	if parent, ok := layer.Parent("query"); ok {
		layer = parent
	}

	return &Query{
		Layer:          layer,
		Where:          "1=1",
		OutFields:      []string{"*"},
		ReturnGeometry: true,
	}
}

// Endpoint returns the layer's query endpoint.
func (q *Query) Endpoint() Endpoint { return q.Layer.Join("query") }

// Params returns the query parameters. Derived values such as outFields,
// objectIds and time are computed here rather than stored.
func (q *Query) Params() map[string]any {
	p := map[string]any{
		"where":          firstNonEmpty(q.Where, "1=1"),
		"returnGeometry": q.ReturnGeometry,
	}

	if len(q.OutFields) > 0 {
		p["outFields"] = strings.Join(q.OutFields, ",")
	}

	if len(q.ObjectIDs) > 0 {
		p["objectIds"] = joinIDs(q.ObjectIDs, ",")
	}

	if len(q.Geometry) > 0 {
		p["geometry"] = q.Geometry
		p["geometryType"] = firstNonEmpty(q.GeometryType, "esriGeometryEnvelope")
		p["spatialRel"] = firstNonEmpty(q.SpatialRel, "esriSpatialRelIntersects")
	}

	if q.InSR != 0 {
		p["inSR"] = q.InSR
	}

	if q.OutSR != 0 {
		p["outSR"] = q.OutSR
	}

	if q.ReturnZ {
		p["returnZ"] = true
	}

	if q.ReturnM {
		p["returnM"] = true
	}

	if len(q.OrderByFields) > 0 {
		p["orderByFields"] = strings.Join(q.OrderByFields, ",")
	}

	if q.Time != nil {
		p["time"] = q.Time.param()
	}

	if q.ResultOffset > 0 {
		p["resultOffset"] = q.ResultOffset
	}

	if q.ResultRecordCount > 0 {
		p["resultRecordCount"] = q.ResultRecordCount
	}

	if q.ReturnCountOnly {
		p["returnCountOnly"] = true
	}

	if q.ReturnIDsOnly {
		p["returnIdsOnly"] = true
	}

	if q.ReturnExtentOnly {
		p["returnExtentOnly"] = true
	}

	if q.ReturnDistinctValues {
		p["returnDistinctValues"] = true
	}

	maps.Copy(p, q.Extra)

	return p
}

// Operation returns the query as an Operation.
func (q *Query) Operation() *Operation {
	return NewOperation(q.Endpoint(), q.Params())
}

func (q *Query) clone() *Query {
	c := *q
	c.OutFields = append([]string(nil), q.OutFields...)
	c.ObjectIDs = append([]int64(nil), q.ObjectIDs...)
	c.OrderByFields = append([]string(nil), q.OrderByFields...)
	c.Extra = maps.Clone(q.Extra)

	return &c
}

// Feature is one feature of a query result.
type Feature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
}

// Attribute looks up an attribute by name ignoring case.
func (f Feature) Attribute(name string) (any, bool) {
	if v, ok := f.Attributes[name]; ok {
		return v, true
	}

	key := attributeKey(f.Attributes, name)
	if key == "" {
		return nil, false
	}

	return f.Attributes[key], true
}

// ObjectID returns the value of the objectid attribute, matched without
// regard to case.
func (f Feature) ObjectID() (int64, bool) {
	v, ok := f.Attribute("objectid")
	if !ok {
		return 0, false
	}

	return toInt64(v)
}

// DecodeAttributes decodes the attributes into out, a pointer to a struct
// whose fields are matched by their json tags or names.
func (f Feature) DecodeAttributes(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("creating attribute decoder: %w", err)
	}

	if err := dec.Decode(f.Attributes); err != nil {
		return fmt.Errorf("decoding attributes: %w", err)
	}

	return nil
}

// Field describes a layer or result field.
type Field struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Alias    string          `json:"alias,omitempty"`
	Length   int             `json:"length,omitempty"`
	Nullable bool            `json:"nullable,omitempty"`
	Editable bool            `json:"editable,omitempty"`
	Domain   json.RawMessage `json:"domain,omitempty"`
}

// QueryResponse is the reply of a feature query.
type QueryResponse struct {
	PortalResponse

	ObjectIDFieldName     string          `json:"objectIdFieldName,omitempty"`
	GlobalIDFieldName     string          `json:"globalIdFieldName,omitempty"`
	GeometryType          string          `json:"geometryType,omitempty"`
	SpatialReference      json.RawMessage `json:"spatialReference,omitempty"`
	Fields                []Field         `json:"fields,omitempty"`
	Features              []Feature       `json:"features"`
	ExceededTransferLimit bool            `json:"exceededTransferLimit,omitempty"`
}

// ObjectIDs returns the object id of every feature that has one. The
// attribute key is resolved once for the whole result.
func (r *QueryResponse) ObjectIDs() []int64 {
	key := resolveObjectIDKey(r.Features, firstNonEmpty(r.ObjectIDFieldName, "objectid"))
	if key == "" {
		return nil
	}

	ids := make([]int64, 0, len(r.Features))
	for _, f := range r.Features {
		if id, ok := toInt64(f.Attributes[key]); ok {
			ids = append(ids, id)
		}
	}

	return ids
}

// CountResponse is the reply of a returnCountOnly query.
type CountResponse struct {
	PortalResponse

	Count int `json:"count"`
}

// IDsResponse is the reply of a returnIdsOnly query.
type IDsResponse struct {
	PortalResponse

	ObjectIDFieldName string  `json:"objectIdFieldName"`
	ObjectIDs         []int64 `json:"objectIds"`
}

// ExtentResponse is the reply of a returnExtentOnly query.
type ExtentResponse struct {
	PortalResponse

	Count  int             `json:"count"`
	Extent json.RawMessage `json:"extent"`
}

// Query runs q once. Use BatchQuery to follow exceeded transfer limits.
func (g *Gateway) Query(ctx context.Context, q *Query) (*QueryResponse, error) {
	if q == nil {
		return nil, ErrNilOperation
	}

	var resp QueryResponse
	if err := g.Get(ctx, q.Operation(), &resp); err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Layer, err)
	}

	return &resp, nil
}

// QueryForCount returns the number of features matching q.
func (g *Gateway) QueryForCount(ctx context.Context, q *Query) (int, error) {
	if q == nil {
		return 0, ErrNilOperation
	}

	c := q.clone()
	c.ReturnCountOnly = true
	c.ReturnGeometry = false

	var resp CountResponse
	if err := g.Get(ctx, c.Operation(), &resp); err != nil {
		return 0, fmt.Errorf("counting %s: %w", q.Layer, err)
	}

	return resp.Count, nil
}

// QueryForIDs returns the object ids of the features matching q.
func (g *Gateway) QueryForIDs(ctx context.Context, q *Query) (*IDsResponse, error) {
	if q == nil {
		return nil, ErrNilOperation
	}

	c := q.clone()
	c.ReturnIDsOnly = true
	c.ReturnGeometry = false

	var resp IDsResponse
	if err := g.Get(ctx, c.Operation(), &resp); err != nil {
		return nil, fmt.Errorf("querying ids of %s: %w", q.Layer, err)
	}

	return &resp, nil
}

// QueryForExtent returns the extent and count of the features matching q.
func (g *Gateway) QueryForExtent(ctx context.Context, q *Query) (*ExtentResponse, error) {
	if q == nil {
		return nil, ErrNilOperation
	}

	c := q.clone()
	c.ReturnExtentOnly = true
	c.ReturnGeometry = false

	var resp ExtentResponse
	if err := g.Get(ctx, c.Operation(), &resp); err != nil {
		return nil, fmt.Errorf("querying extent of %s: %w", q.Layer, err)
	}

	return &resp, nil
}

// resolveObjectIDKey finds the attribute key matching name in the first
// feature that has one, ignoring case.
func resolveObjectIDKey(features []Feature, name string) string {
	for _, f := range features {
		if _, ok := f.Attributes[name]; ok {
			return name
		}

		if key := attributeKey(f.Attributes, name); key != "" {
			return key
		}
	}

	return ""
}

func attributeKey(attrs map[string]any, name string) string {
	fold := cases.Fold()
	want := fold.String(name)

	for k := range attrs {
		if fold.String(k) == want {
			return k
		}
	}

	return ""
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}

	return 0, false
}

func joinIDs(ids []int64, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	return strings.Join(parts, sep)
}
