package arcgis

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// newTestGateway starts a server running handler and returns a gateway
// rooted at {server}/arcgis/.
func newTestGateway(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Gateway, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGateway(srv.URL+"/arcgis", append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	return g, srv
}

// staticToken returns a mock provider that always hands out tok.
func staticToken(t *testing.T, tok *Token) *MockTokenProvider {
	t.Helper()

	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().CheckGenerateToken(gomock.Any()).Return(tok, nil).AnyTimes()
	p.EXPECT().Close().Return(nil).AnyTimes()

	return p
}

var layer0 = MustServerEndpoint("Foo/FeatureServer/0")

// --- construction ---

func TestNewGateway_NormalizesRoot(t *testing.T) {
	g, err := NewGateway("https://host/arcgis/rest/services/Foo/MapServer")
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, "https://host/arcgis/", g.RootURL())
	assert.Nil(t, g.TokenProvider())
	assert.IsType(t, JSONSerializer{}, g.Serializer())
}

func TestNewGateway_InvalidRoot(t *testing.T) {
	_, err := NewGateway("not a url")
	require.ErrorIs(t, err, ErrInvalidRootURL)
}

// --- GET ---

func TestGet_SendsParamsAndDecodes(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/arcgis/rest/services/Foo/FeatureServer/0/query", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, []string{"json"}, q["f"])
		assert.Equal(t, "POP > 10", q.Get("where"))
		assert.Equal(t, "true", q.Get("returnCountOnly"))
		assert.False(t, q.Has("token"))
		assert.Empty(t, r.Header.Get("Referer"))

		w.Write([]byte(`{"count":42}`))
	})

	op := NewOperation(layer0.Join("query"), map[string]any{"where": "POP > 10", "returnCountOnly": true})

	var out CountResponse
	require.NoError(t, g.Get(context.Background(), op, &out))
	assert.Equal(t, 42, out.Count)
}

func TestGet_KeepsExplicitFormat(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"pjson"}, r.URL.Query()["f"])
		w.Write([]byte(`{}`))
	})

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, map[string]any{"f": "pjson"}), nil))
}

func TestGet_AttachesTokenOnce(t *testing.T) {
	p := staticToken(t, &Token{Value: "abc", Referer: "https://app.example.com"})

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"abc"}, r.URL.Query()["token"])
		assert.Equal(t, []string{"json"}, r.URL.Query()["f"])
		assert.Equal(t, "https://app.example.com", r.Header.Get("Referer"))
		w.Write([]byte(`{}`))
	}, WithTokenProvider(p))

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), nil))
}

func TestGet_OperationTokenOverridesProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().Close().Return(nil).AnyTimes()

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "override", r.URL.Query().Get("token"))
		w.Write([]byte(`{}`))
	}, WithTokenProvider(p))

	op := NewOperation(layer0, nil)
	op.Token = "override"

	require.NoError(t, g.Get(context.Background(), op, nil))
}

func TestGet_NilTokenIsAnonymous(t *testing.T) {
	p := staticToken(t, nil)

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("token"))
		w.Write([]byte(`{}`))
	}, WithTokenProvider(p))

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), nil))
}

func TestGet_ForcesHTTPSForSSLTokens(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.TLS)
		w.Write([]byte(`{"count":1}`))
	}))
	defer srv.Close()

	plain := "http://" + strings.TrimPrefix(srv.URL, "https://")

	g, err := NewGateway(plain+"/arcgis",
		WithHTTPClient(srv.Client()),
		WithTokenProvider(staticToken(t, &Token{Value: "abc", AlwaysUseSSL: true})),
	)
	require.NoError(t, err)
	defer g.Close()

	var out CountResponse
	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), &out))
	assert.Equal(t, 1, out.Count)
}

func TestGet_SwitchesToPostAboveMaxLength(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)

	g, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()

		assert.NoError(t, r.ParseForm())
		assert.Len(t, r.Form["f"], 1)
		assert.NotEmpty(t, r.Form.Get("where"))

		w.Write([]byte(`{}`))
	})

	base := srv.URL + "/arcgis/rest/services/Foo/FeatureServer/0/query?where="
	g.maxGetLength = len(base) + 100

	ep := layer0.Join("query")

	require.NoError(t, g.Get(context.Background(), NewOperation(ep, map[string]any{"where": strings.Repeat("a", 100)}), nil))
	require.NoError(t, g.Get(context.Background(), NewOperation(ep, map[string]any{"where": strings.Repeat("a", 101)}), nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, methods)
}

func TestGet_SameReplyWhetherSentAsGetOrPost(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()

		if !assert.NoError(t, r.ParseForm()) {
			return
		}

		assert.Equal(t, "STATUS = 'A'", r.Form.Get("where"))

		w.Write([]byte(`{"objectIdFieldName":"OBJECTID","features":[{"attributes":{"OBJECTID":1,"STATUS":"A"}},{"attributes":{"OBJECTID":2,"STATUS":"A"}}]}`))
	})

	q := NewQuery(layer0)
	q.Where = "STATUS = 'A'"

	var viaGet QueryResponse
	require.NoError(t, g.Get(context.Background(), q.Operation(), &viaGet))

	g.maxGetLength = 1

	var viaPost QueryResponse
	require.NoError(t, g.Get(context.Background(), q.Operation(), &viaPost))

	assert.Equal(t, viaGet, viaPost)
	assert.Equal(t, []int64{1, 2}, viaPost.ObjectIDs())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodGet, http.MethodPost}, methods)
}

func TestGet_EncodedLengthCountsTowardsMax(t *testing.T) {
	var method atomic.Value

	g, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.Write([]byte(`{}`))
	})

	base := srv.URL + "/arcgis/rest/services/Foo/FeatureServer/0/query?where="
	g.maxGetLength = len(base) + 100

	// Each '=' is sent as %3D.
	where := strings.Repeat("=", 50)

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0.Join("query"), map[string]any{"where": where}), nil))
	assert.Equal(t, http.MethodPost, method.Load())
}

// --- POST ---

func TestPost_FormEncoded(t *testing.T) {
	p := staticToken(t, &Token{Value: "abc"})

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Empty(t, r.URL.RawQuery)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, []string{"json"}, r.PostForm["f"])
		assert.Equal(t, []string{"abc"}, r.PostForm["token"])
		assert.Equal(t, "[1,2]", r.PostForm.Get("deletes"))

		w.Write([]byte(`{"deleteResults":[{"objectId":1,"success":true}]}`))
	}, WithTokenProvider(p))

	var out ApplyEditsResponse
	require.NoError(t, g.Post(context.Background(), NewOperation(layer0.Join("applyEdits"), map[string]any{"deletes": []int{1, 2}}), &out))
	require.Len(t, out.DeleteResults, 1)
	assert.True(t, out.DeleteResults[0].Success)
}

func TestPost_LongValuesFallBackToMultipart(t *testing.T) {
	long := strings.Repeat("x", maxFormValueLength+1)

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))

		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, long, r.FormValue("geometry"))
		assert.Equal(t, "json", r.FormValue("f"))

		w.Write([]byte(`{}`))
	})

	require.NoError(t, g.Post(context.Background(), NewOperation(layer0.Join("query"), map[string]any{"geometry": long}), nil))
}

func TestEncodeForm_RejectsInvalidUTF8(t *testing.T) {
	_, _, err := encodeForm(url.Values{"k": {"\xff"}})
	require.ErrorIs(t, err, errNotFormEncodable)

	body, ct, err := encodeForm(url.Values{"k": {"v w"}})
	require.NoError(t, err)
	assert.Equal(t, "k=v+w", string(body))
	assert.Equal(t, "application/x-www-form-urlencoded", ct)
}

// --- replies ---

func TestGet_ErrorEnvelopeWinsOverPayload(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":3,"error":{"code":400,"message":"Invalid query","details":["where"]}}`))
	})

	var out CountResponse
	err := g.Get(context.Background(), NewOperation(layer0.Join("query"), map[string]any{"where": "x"}), &out)
	require.ErrorIs(t, err, ErrServer)
	assert.True(t, IsServerError(err))
	assert.Zero(t, out.Count)

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code())
	assert.True(t, strings.HasSuffix(se.URL, "/arcgis/rest/services/Foo/FeatureServer/0/query"))
	assert.NotContains(t, se.URL, "where")
}

func TestGet_HTTPStatusIsTransportError(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom\x00"))
	})

	err := g.Get(context.Background(), NewOperation(layer0, nil), nil)
	require.ErrorIs(t, err, ErrTransport)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Equal(t, "boom?", te.Body)
	assert.Equal(t, http.MethodGet, te.Method)
}

func TestGet_TokenRedactedInTransportError(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, WithTokenProvider(staticToken(t, &Token{Value: "secret-token"})))

	err := g.Get(context.Background(), NewOperation(layer0, nil), nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
	assert.Contains(t, err.Error(), "REDACTED")
}

func TestGet_UndecodableReply(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html></html>`))
	})

	var out CountResponse
	err := g.Get(context.Background(), NewOperation(layer0, nil), &out)
	require.ErrorIs(t, err, ErrDecode)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestGet_ReplyOverLimitIsTransportError(t *testing.T) {
	const payload = `{"count":12345678901234567890}`

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	})

	g.maxBody = int64(len(payload)) - 1

	var out map[string]any
	err := g.Get(context.Background(), NewOperation(layer0, nil), &out)
	require.ErrorIs(t, err, ErrResponseTooLarge)
	require.ErrorIs(t, err, ErrTransport)
	assert.False(t, errors.Is(err, ErrDecode))
	assert.Nil(t, out)

	g.maxBody = int64(len(payload))

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), &out))
	assert.Contains(t, out, "count")
}

func TestGet_Hooks(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":1}`))
	})

	var before int

	var after []byte

	op := NewOperation(layer0, nil)
	op.BeforeRequest = func() { before++ }
	op.AfterRequest = func(body []byte) { after = body }

	require.NoError(t, g.Get(context.Background(), op, nil))
	assert.Equal(t, 1, before)
	assert.JSONEq(t, `{"count":1}`, string(after))
}

func TestGet_AfterHookSkippedOnError(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":500,"message":"x"}}`))
	})

	called := false
	op := NewOperation(layer0, nil)
	op.AfterRequest = func([]byte) { called = true }

	require.Error(t, g.Get(context.Background(), op, nil))
	assert.False(t, called)
}

func TestGet_HypermediaSelfLink(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":1}`))
	}, WithHypermedia(true), WithTokenProvider(staticToken(t, &Token{Value: "abc"})))

	var out CountResponse
	require.NoError(t, g.Get(context.Background(), NewOperation(layer0.Join("query"), map[string]any{"where": "1=1"}), &out))

	require.Len(t, out.Links, 1)
	link := out.Links[0]
	assert.Equal(t, "self", link.Rel)
	assert.Equal(t, http.MethodGet, link.Method)
	assert.True(t, strings.HasSuffix(link.Href, "/query"))
	assert.Equal(t, map[string]string{"where": "1=1"}, link.Data)
}

// --- errors before dispatch ---

func TestGet_NilOperation(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	require.ErrorIs(t, g.Get(context.Background(), nil, nil), ErrNilOperation)
	require.ErrorIs(t, g.Post(context.Background(), nil, nil), ErrNilOperation)
}

func TestGet_ProviderErrorFailsRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().CheckGenerateToken(gomock.Any()).Return(nil, &ServerError{Detail: ArcGISError{Code: 400, Message: "bad"}})
	p.EXPECT().Close().Return(nil).AnyTimes()

	var hits atomic.Int32

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, WithTokenProvider(p))

	err := g.Get(context.Background(), NewOperation(layer0, nil), nil)
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "generating token")
	assert.Zero(t, hits.Load())
}

func TestGet_ProviderCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().CheckGenerateToken(gomock.Any()).Return(nil, canceled(context.Canceled))
	p.EXPECT().Close().Return(nil).AnyTimes()

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {}, WithTokenProvider(p))

	err := g.Get(context.Background(), NewOperation(layer0, nil), nil)
	require.ErrorIs(t, err, ErrCanceled)
}

// --- cancellation ---

func TestGet_CanceledContext(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Get(ctx, NewOperation(layer0, nil), nil)
	require.ErrorIs(t, err, ErrCanceled)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestGet_TimeoutIsCancellation(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(20*time.Millisecond))

	err := g.Get(context.Background(), NewOperation(layer0, nil), nil)
	require.ErrorIs(t, err, ErrCanceled)
}

// --- lifecycle ---

func TestClose_IdempotentAndClosesProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().Close().Return(nil).Times(2)

	g, err := NewGateway("https://host/arcgis", WithTokenProvider(p))
	require.NoError(t, err)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	require.ErrorIs(t, g.Get(context.Background(), NewOperation(layer0, nil), nil), ErrClosed)
}

// --- metrics and rate limiting ---

func TestGet_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.Write([]byte(`{"error":{"code":400,"message":"x"}}`))
			return
		}

		w.Write([]byte(`{}`))
	}, WithRegisterer(reg))

	require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), nil))
	require.Error(t, g.Get(context.Background(), NewOperation(layer0, map[string]any{"fail": "1"}), nil))

	expected := `
# HELP arcgis_requests_total Total number of ArcGIS REST requests by HTTP method and outcome
# TYPE arcgis_requests_total counter
arcgis_requests_total{method="GET",outcome="server_error"} 1
arcgis_requests_total{method="GET",outcome="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "arcgis_requests_total"))
}

func TestGet_RateLimited(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, WithRateLimit(1000, 1))

	for range 3 {
		require.NoError(t, g.Get(context.Background(), NewOperation(layer0, nil), nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.Get(ctx, NewOperation(layer0, nil), nil), ErrCanceled)
}

// --- transport helpers ---

func TestRedactURL(t *testing.T) {
	u, err := url.Parse("https://host/arcgis/rest/services?f=json&token=secret")
	require.NoError(t, err)
	assert.Equal(t, "https://host/arcgis/rest/services?f=json&token=REDACTED", redactURL(u))

	u, err = url.Parse("https://host/arcgis/rest/services?f=json")
	require.NoError(t, err)
	assert.Equal(t, "https://host/arcgis/rest/services?f=json", redactURL(u))

	assert.Empty(t, redactURL(nil))
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "ok\n", sanitizeResponseBody([]byte("ok\n")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x1bb")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("a", 1000))), 256)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig := httptest.NewRequest(http.MethodGet, "https://host/a", nil)

	same := httptest.NewRequest(http.MethodGet, "https://host/b", nil)
	require.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))

	other := httptest.NewRequest(http.MethodGet, "https://evil/b", nil)
	require.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = orig
	}

	require.Error(t, sameHostRedirectPolicy(same, via))
}

func TestSetReferer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://host/", nil)

	require.NoError(t, setReferer(req, ""))
	assert.Empty(t, req.Header.Get("Referer"))

	require.Error(t, setReferer(req, "relative/path"))

	require.NoError(t, setReferer(req, "https://app.example.com"))
	assert.Equal(t, "https://app.example.com", req.Header.Get("Referer"))
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "success", outcomeOf(nil))
	assert.Equal(t, "canceled", outcomeOf(canceled(context.Canceled)))
	assert.Equal(t, "server_error", outcomeOf(&ServerError{}))
	assert.Equal(t, "decode_error", outcomeOf(ErrDecode))
	assert.Equal(t, "transport_error", outcomeOf(&TransportError{Err: io.EOF}))
}
