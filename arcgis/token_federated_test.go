package arcgis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestNewFederatedTokenProvider_Validation(t *testing.T) {
	_, err := NewFederatedTokenProvider(nil, "https://portal/arcgis", "https://server/arcgis")
	require.ErrorIs(t, err, ErrMissingCredentials)

	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)

	_, err = NewFederatedTokenProvider(upstream, "portal", "https://server/arcgis")
	require.ErrorIs(t, err, ErrInvalidRootURL)

	_, err = NewFederatedTokenProvider(upstream, "https://portal/arcgis", "server")
	require.ErrorIs(t, err, ErrInvalidRootURL)
}

func TestFederatedProvider_ExchangesUpstreamToken(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/portal/sharing/rest/generateToken", r.URL.Path)
		assert.Equal(t, "https://portal.example.com/portal/rest", r.Header.Get("Referer"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "getToken", r.PostForm.Get("request"))
		assert.Equal(t, "https://server/arcgis/", r.PostForm.Get("serverUrl"))
		assert.Equal(t, "portal-tok", r.PostForm.Get("token"))
		assert.Equal(t, "https://portal.example.com/portal/rest", r.PostForm.Get("referer"))

		w.Write([]byte(`{"token":"server-tok","expires":4102444800000}`))
	}))
	defer srv.Close()

	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)
	upstream.EXPECT().CheckGenerateToken(gomock.Any()).Return(&Token{Value: "portal-tok"}, nil).Times(1)
	upstream.EXPECT().UserName().Return("alice")

	p, err := NewFederatedTokenProvider(upstream, srv.URL+"/portal", "https://server/arcgis/",
		WithReferer("https://portal.example.com/portal/rest"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer p.Close()

	tok, err := p.CheckGenerateToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "server-tok", tok.Value)
	assert.Equal(t, "https://portal.example.com/portal/rest", tok.Referer)

	_, err = p.CheckGenerateToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	assert.Equal(t, "alice", p.UserName())
	assert.Equal(t, srv.URL+"/portal/", p.RootURL())
	assert.Nil(t, p.CryptoProvider())
}

func TestFederatedProvider_NoUpstreamTokenSkipsExchange(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("exchange must not be attempted")
	}))
	defer srv.Close()

	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)
	upstream.EXPECT().CheckGenerateToken(gomock.Any()).Return(nil, nil)

	p, err := NewFederatedTokenProvider(upstream, srv.URL+"/portal", "https://server/arcgis/",
		WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer p.Close()

	tok, err := p.CheckGenerateToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestFederatedProvider_UpstreamErrorIsWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)

	upstreamErr := &ServerError{Detail: ArcGISError{Code: 400, Message: "bad password"}}
	upstream.EXPECT().CheckGenerateToken(gomock.Any()).Return(nil, upstreamErr)

	p, err := NewFederatedTokenProvider(upstream, "https://portal/arcgis", "https://server/arcgis/")
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CheckGenerateToken(context.Background())
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "generating upstream token")
}

func TestFederatedProvider_UpstreamCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)
	upstream.EXPECT().CheckGenerateToken(gomock.Any()).Return(nil, canceled(context.Canceled))

	p, err := NewFederatedTokenProvider(upstream, "https://portal/arcgis", "https://server/arcgis/")
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CheckGenerateToken(context.Background())
	require.ErrorIs(t, err, ErrCanceled)
}

func TestFederatedProvider_CloseLeavesUpstreamOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)

	p, err := NewFederatedTokenProvider(upstream, "https://portal/arcgis", "https://server/arcgis/")
	require.NoError(t, err)

	// No Close expectation on upstream: gomock fails the test if called.
	require.NoError(t, p.Close())
}

func TestFederatedProvider_ClosesOwnedUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)
	upstream.EXPECT().Close().Return(errors.New("boom"))

	p, err := NewFederatedTokenProvider(upstream, "https://portal/arcgis", "https://server/arcgis/")
	require.NoError(t, err)

	p.closeUpstream = true

	err = p.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestNewArcGISOnlineFederatedTokenProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := NewMockTokenProvider(ctrl)

	p, err := NewArcGISOnlineFederatedTokenProvider(upstream, "https://server/arcgis/")
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "https://www.arcgis.com/sharing/rest/", p.RootURL())
	assert.Equal(t, "https://www.arcgis.com", p.request.Referer)
}
