package arcgis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ArcGISError is the error object the REST API embeds in a reply body.
type ArcGISError struct {
	Code        int     `json:"code"`
	Message     string  `json:"message"`
	Details     Details `json:"details,omitempty"`
	Description string  `json:"description,omitempty"`
}

func (e ArcGISError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "code %d: %s", e.Code, e.Message)

	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}

	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}

	return b.String()
}

// Details holds the details of an ArcGISError. Token services send a single
// string where everything else sends an array.
type Details []string

func (d *Details) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)

	switch {
	case r.Type == gjson.Null:
		*d = nil
	case r.IsArray():
		out := make(Details, 0, len(r.Array()))
		for _, v := range r.Array() {
			if v.Type != gjson.Null {
				out = append(out, v.String())
			}
		}

		*d = out
	case r.Type == gjson.String:
		if r.Str == "" {
			*d = nil
		} else {
			*d = Details{r.Str}
		}
	default:
		return fmt.Errorf("details: unexpected JSON %s", r.Raw)
	}

	return nil
}

// Link is a hypermedia link describing how a response was obtained.
type Link struct {
	Rel    string            `json:"rel"`
	Href   string            `json:"href"`
	Method string            `json:"method"`
	Data   map[string]string `json:"data,omitempty"`
}

// PortalResponse is embedded by every response type.
type PortalResponse struct {
	Error *ArcGISError `json:"error,omitempty"`
	Links []Link       `json:"_links,omitempty"`
}

// Envelope returns the embedded PortalResponse.
func (r *PortalResponse) Envelope() *PortalResponse { return r }

// Enveloped is implemented by any type that embeds PortalResponse.
type Enveloped interface {
	Envelope() *PortalResponse
}

// envelopeError extracts a non-null "error" member from a reply body
// without decoding the rest of it.
func envelopeError(body []byte) (*ArcGISError, bool) {
	r := gjson.GetBytes(body, "error")
	if !r.Exists() || r.Type == gjson.Null {
		return nil, false
	}

	if !r.IsObject() {
		return &ArcGISError{Message: r.String()}, true
	}

	var apiErr ArcGISError
	if err := json.Unmarshal([]byte(r.Raw), &apiErr); err != nil {
		apiErr = ArcGISError{
			Code:    int(r.Get("code").Int()),
			Message: r.Get("message").String(),
		}
	}

	return &apiErr, true
}
