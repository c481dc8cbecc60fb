package arcgis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Serializer converts request parameters to the flat key/value form used
// in query strings and form bodies, and decodes reply bodies.
type Serializer interface {
	Flatten(params map[string]any) (map[string]string, error)
	Parse(data []byte, v any) error
}

// JSONSerializer is the default Serializer. Flatten keeps strings
// verbatim, drops nil values and writes everything else as compact JSON.
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

func (JSONSerializer) Flatten(params map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(params))
	if len(params) == 0 {
		return out, nil
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(params); err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}

	gjson.ParseBytes(buf.Bytes()).ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.Null:
		case gjson.String:
			out[key.Str] = value.Str
		default:
			out[key.Str] = value.Raw
		}

		return true
	})

	return out, nil
}

func (JSONSerializer) Parse(data []byte, v any) error {
	if v == nil {
		return nil
	}

	return json.Unmarshal(data, v)
}
