package arcgis

import (
	"context"
	"fmt"
	"strings"
)

// Point is a location in a given spatial reference.
type Point struct {
	X                float64           `json:"x"`
	Y                float64           `json:"y"`
	Z                *float64          `json:"z,omitempty"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

// GeocodeRequest is a single line address search against a locator.
type GeocodeRequest struct {
	// Locator is the geocode service endpoint, e.g.
	// World/GeocodeServer.
	Locator Endpoint

	SingleLine    string
	MagicKey      string
	SourceCountry string
	MaxLocations  int
	OutFields     []string
	OutSR         *SpatialReference
	SearchExtent  *Extent
	Location      *Point
	Distance      float64
	ForStorage    bool
	LocationType  string
}

func (r *GeocodeRequest) params() map[string]any {
	p := map[string]any{"SingleLine": r.SingleLine}

	if r.MagicKey != "" {
		p["magicKey"] = r.MagicKey
	}

	if r.SourceCountry != "" {
		p["sourceCountry"] = r.SourceCountry
	}

	if r.MaxLocations > 0 {
		p["maxLocations"] = r.MaxLocations
	}

	if len(r.OutFields) > 0 {
		p["outFields"] = strings.Join(r.OutFields, ",")
	}

	if r.OutSR != nil {
		p["outSR"] = r.OutSR
	}

	if r.SearchExtent != nil {
		p["searchExtent"] = r.SearchExtent
	}

	addLocationParams(p, r.Location, r.Distance, r.ForStorage, r.LocationType)

	return p
}

func addLocationParams(p map[string]any, loc *Point, distance float64, forStorage bool, locationType string) {
	if loc != nil {
		p["location"] = loc
	}

	if distance > 0 {
		p["distance"] = distance
	}

	if forStorage {
		p["forStorage"] = true
	}

	if locationType != "" {
		p["locationType"] = locationType
	}
}

// Candidate is one match of a geocode request.
type Candidate struct {
	Address    string         `json:"address"`
	Location   *Point         `json:"location,omitempty"`
	Score      float64        `json:"score"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Extent     *Extent        `json:"extent,omitempty"`
}

// GeocodeResponse is the reply of findAddressCandidates.
type GeocodeResponse struct {
	PortalResponse

	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
	Candidates       []Candidate       `json:"candidates"`
}

// Best returns the candidate with the highest score.
func (r *GeocodeResponse) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}

	best := r.Candidates[0]
	for _, c := range r.Candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	return best, true
}

// Geocode finds address candidates for a single line address.
func (g *Gateway) Geocode(ctx context.Context, req *GeocodeRequest) (*GeocodeResponse, error) {
	if req == nil {
		return nil, ErrNilOperation
	}

	var resp GeocodeResponse
	if err := g.Get(ctx, NewOperation(req.Locator.Join("findAddressCandidates"), req.params()), &resp); err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", req.SingleLine, err)
	}

	return &resp, nil
}

// ReverseGeocodeRequest finds the address nearest a location.
type ReverseGeocodeRequest struct {
	Locator Endpoint

	Location *Point
	// Distance is the search radius in meters. Zero means 100.
	Distance     float64
	OutSR        *SpatialReference
	ForStorage   bool
	LocationType string
}

// Address is the address part of a reverse geocode reply.
type Address struct {
	Match        string `json:"Match_addr,omitempty"`
	Address      string `json:"Address,omitempty"`
	Neighborhood string `json:"Neighborhood,omitempty"`
	City         string `json:"City,omitempty"`
	Subregion    string `json:"Subregion,omitempty"`
	Region       string `json:"Region,omitempty"`
	Postal       string `json:"Postal,omitempty"`
	PostalExt    string `json:"PostalExt,omitempty"`
	CountryCode  string `json:"CountryCode,omitempty"`
	LocatorName  string `json:"Loc_name,omitempty"`
}

// ReverseGeocodeResponse is the reply of reverseGeocode.
type ReverseGeocodeResponse struct {
	PortalResponse

	Address  Address `json:"address"`
	Location *Point  `json:"location,omitempty"`
}

// ReverseGeocode returns the address closest to req.Location.
func (g *Gateway) ReverseGeocode(ctx context.Context, req *ReverseGeocodeRequest) (*ReverseGeocodeResponse, error) {
	if req == nil || req.Location == nil {
		return nil, ErrNilOperation
	}

	p := map[string]any{}
	addLocationParams(p, req.Location, req.Distance, req.ForStorage, req.LocationType)

	if req.Distance <= 0 {
		p["distance"] = 100
	}

	if req.OutSR != nil {
		p["outSR"] = req.OutSR
	}

	var resp ReverseGeocodeResponse
	if err := g.Get(ctx, NewOperation(req.Locator.Join("reverseGeocode"), p), &resp); err != nil {
		return nil, fmt.Errorf("reverse geocoding: %w", err)
	}

	return &resp, nil
}

// Suggestion is one entry of a suggest reply. MagicKey can be passed to
// Geocode with the same text.
type Suggestion struct {
	Text         string `json:"text"`
	MagicKey     string `json:"magicKey"`
	IsCollection bool   `json:"isCollection"`
}

// SuggestResponse is the reply of suggest.
type SuggestResponse struct {
	PortalResponse

	Suggestions []Suggestion `json:"suggestions"`
}

// Suggest returns completions for partial input text. location and
// distance, when set, bias the results.
func (g *Gateway) Suggest(ctx context.Context, locator Endpoint, text string, location *Point, distance float64) (*SuggestResponse, error) {
	p := map[string]any{"text": text}
	addLocationParams(p, location, distance, false, "")

	var resp SuggestResponse
	if err := g.Get(ctx, NewOperation(locator.Join("suggest"), p), &resp); err != nil {
		return nil, fmt.Errorf("suggesting %q: %w", text, err)
	}

	return &resp, nil
}
