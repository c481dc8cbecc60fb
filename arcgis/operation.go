package arcgis

// Operation is one REST call: where it goes and what it sends.
type Operation struct {
	Endpoint Endpoint
	// Params are flattened by the gateway's Serializer. Strings are sent
	// verbatim and other values as JSON.
	Params map[string]any

	// BeforeRequest runs just before the request is dispatched.
	BeforeRequest func()
	// AfterRequest receives the raw body of a successful reply.
	AfterRequest func(body []byte)

	// Token, when set, is sent instead of asking the token provider.
	Token string
}

// NewOperation returns an operation for endpoint with the given params.
func NewOperation(endpoint Endpoint, params map[string]any) *Operation {
	if params == nil {
		params = map[string]any{}
	}

	return &Operation{Endpoint: endpoint, Params: params}
}

// Set adds a parameter and returns the operation for chaining. Nil values
// are skipped.
func (op *Operation) Set(key string, value any) *Operation {
	if value == nil {
		return op
	}

	if op.Params == nil {
		op.Params = map[string]any{}
	}

	op.Params[key] = value

	return op
}

func (op *Operation) before() {
	if op.BeforeRequest != nil {
		op.BeforeRequest()
	}
}

func (op *Operation) after(body []byte) {
	if op.AfterRequest != nil {
		op.AfterRequest(body)
	}
}
