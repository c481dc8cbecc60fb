package arcgis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/arcgis-client/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- search ---

func TestSearch_Params(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/arcgis/sharing/rest/search", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "title:rivers", q.Get("q"))
		assert.Equal(t, "title,modified", q.Get("sortField"))
		assert.Equal(t, "desc", q.Get("sortOrder"))
		assert.Equal(t, "25", q.Get("num"))
		assert.Equal(t, "26", q.Get("start"))
		assert.Equal(t, "-120,30,-110,40", q.Get("bbox"))

		w.Write([]byte(`{"total":60,"start":26,"num":25,"nextStart":51,"results":[{"id":"abc","name":"Rivers","type":"Feature Service","url":"https://host/arcgis/rest/services/Rivers/FeatureServer"}]}`))
	})

	resp, err := g.Search(context.Background(), &SearchRequest{
		Query:     "title:rivers",
		Extent:    &Extent{XMin: -120, YMin: 30, XMax: -110, YMax: 40, SpatialReference: &SpatialReference{WKID: 4326}},
		SortField: []string{"title", "modified"},
		SortOrder: "desc",
		Num:       25,
		Start:     26,
	})
	require.NoError(t, err)
	assert.Equal(t, 51, resp.NextStart)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Feature Service", resp.Results[0].Type)
}

func TestSearch_Defaults(t *testing.T) {
	p := (&SearchRequest{
		Query:  "x",
		Extent: &Extent{XMin: 1, YMin: 2, XMax: 3, YMax: 4, SpatialReference: &SpatialReference{WKID: 3857}},
	}).params()

	assert.Equal(t, "created", p["sortField"])
	assert.Equal(t, "asc", p["sortOrder"])
	assert.Equal(t, 10, p["num"])
	assert.Equal(t, 1, p["start"])
	assert.NotContains(t, p, "bbox")
}

func TestSearch_Nil(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := g.Search(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilOperation)
}

func TestSearchHostedFeatureServices(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := NewMockTokenProvider(ctrl)
	p.EXPECT().UserName().Return("jsmith")
	p.EXPECT().CheckGenerateToken(gomock.Any()).Return(&Token{Value: "abc"}, nil).AnyTimes()
	p.EXPECT().Close().Return(nil).AnyTimes()

	var (
		mu      sync.Mutex
		queries []string
	)

	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		mu.Unlock()
		w.Write([]byte(`{"total":0,"results":[]}`))
	}, WithTokenProvider(p))

	_, err := g.SearchHostedFeatureServices(context.Background(), "")
	require.NoError(t, err)

	_, err = g.SearchHostedFeatureServices(context.Background(), "other")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{
		`owner:jsmith AND (type:"Feature Service")`,
		`owner:other AND (type:"Feature Service")`,
	}, queries)
}

func TestSearchHostedFeatureServices_Anonymous(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `type:"Feature Service"`, r.URL.Query().Get("q"))
		w.Write([]byte(`{"results":[]}`))
	})

	_, err := g.SearchHostedFeatureServices(context.Background(), "")
	require.NoError(t, err)
}

func TestNewArcGISOnlineGateway(t *testing.T) {
	g, err := NewArcGISOnlineGateway()
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, ArcGISOnlineURL, g.RootURL())
}

// --- provider discovery ---

func TestNewGatewayFromServerInfo(t *testing.T) {
	tests := []struct {
		name  string
		info  func(srvURL string) string
		user  string
		check func(t *testing.T, p TokenProvider, srvURL string)
	}{
		{
			name: "no token security",
			info: func(string) string { return `{"currentVersion":11}` },
			user: "jsmith",
			check: func(t *testing.T, p TokenProvider, _ string) {
				assert.Nil(t, p)
			},
		},
		{
			name: "no credentials",
			info: func(srvURL string) string {
				return `{"authInfo":{"isTokenBasedSecurity":true,"tokenServicesUrl":"` + srvURL + `/arcgis/tokens/generateToken"}}`
			},
			check: func(t *testing.T, p TokenProvider, _ string) {
				assert.Nil(t, p)
			},
		},
		{
			name: "server token service",
			info: func(srvURL string) string {
				return `{"authInfo":{"isTokenBasedSecurity":true,"tokenServicesUrl":"` + srvURL + `/arcgis/tokens/generateToken"}}`
			},
			user: "jsmith",
			check: func(t *testing.T, p TokenProvider, srvURL string) {
				cp, ok := p.(*CredentialTokenProvider)
				require.True(t, ok, "got %T", p)
				assert.Equal(t, srvURL+"/arcgis/", cp.RootURL())
				assert.Equal(t, "jsmith", cp.UserName())
				assert.False(t, cp.TokenRequest().Federated)
			},
		},
		{
			name: "federated portal",
			info: func(string) string {
				return `{"owningSystemUrl":"https://portal.example.com/portal","authInfo":{"isTokenBasedSecurity":true,"tokenServicesUrl":"https://portal.example.com/portal/sharing/rest/generateToken"}}`
			},
			user: "jsmith",
			check: func(t *testing.T, p TokenProvider, _ string) {
				fp, ok := p.(*FederatedTokenProvider)
				require.True(t, ok, "got %T", p)
				assert.Equal(t, "https://portal.example.com/portal/sharing/rest/", fp.RootURL())
				assert.Equal(t, "jsmith", fp.UserName())
				assert.Equal(t, "https://portal.example.com/portal/rest", fp.request.Referer)
				assert.True(t, fp.closeUpstream)
			},
		},
		{
			name: "arcgis online owned",
			info: func(string) string {
				return `{"owningSystemUrl":"https://www.arcgis.com","authInfo":{"isTokenBasedSecurity":true,"tokenServicesUrl":"https://www.arcgis.com/sharing/rest/generateToken"}}`
			},
			user: "jsmith",
			check: func(t *testing.T, p TokenProvider, _ string) {
				cp, ok := p.(*CredentialTokenProvider)
				require.True(t, ok, "got %T", p)
				assert.Equal(t, ArcGISOnlineRootURL, cp.RootURL())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var srvURL string

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/arcgis/rest/info", r.URL.Path)
				assert.False(t, r.URL.Query().Has("token"))
				w.Write([]byte(tt.info(srvURL)))
			}))
			defer srv.Close()

			srvURL = srv.URL

			password := ""
			if tt.user != "" {
				password = "secret"
			}

			g, err := NewGatewayFromServerInfo(context.Background(), srv.URL+"/arcgis/rest/services", tt.user, password, WithHTTPClient(srv.Client()))
			require.NoError(t, err)
			defer g.Close()

			assert.Equal(t, srv.URL+"/arcgis/", g.RootURL())
			tt.check(t, g.TokenProvider(), srv.URL)
		})
	}
}

func TestNewGatewayFromServerInfo_InfoFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewGatewayFromServerInfo(context.Background(), srv.URL+"/arcgis", "u", "p", WithHTTPClient(srv.Client()))
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "discovering token service")
}

func TestWithoutScheme(t *testing.T) {
	assert.Equal(t, "host/arcgis/", withoutScheme("HTTPS://Host/arcgis/"))
	assert.Equal(t, "host/arcgis/", withoutScheme("http://host/arcgis/"))
	assert.Equal(t, "host", withoutScheme("host"))
}

// --- configuration ---

func testConfig() *config.Config {
	return &config.Config{
		RootURL:         "https://gis.example.com/arcgis/rest/services",
		TokenExpiration: 30,
		RequestTimeout:  5 * time.Second,
		MaxGetLength:    1024,
		Concurrency:     2,
		Environment:     "development",
		LogLevel:        "error",
	}
}

func TestNewGatewayFromConfig_Anonymous(t *testing.T) {
	g, err := NewGatewayFromConfig(testConfig())
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, "https://gis.example.com/arcgis/", g.RootURL())
	assert.Nil(t, g.TokenProvider())
	assert.Equal(t, 1024, g.maxGetLength)
	assert.Equal(t, 2, g.concurrency)
	assert.Equal(t, 5*time.Second, g.timeout)
}

func TestNewGatewayFromConfig_Credentials(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "jsmith"
	cfg.Password = "secret"
	cfg.EncryptTokenRequests = true
	cfg.Referer = "https://app.example.com"

	g, err := NewGatewayFromConfig(cfg)
	require.NoError(t, err)
	defer g.Close()

	cp, ok := g.TokenProvider().(*CredentialTokenProvider)
	require.True(t, ok, "got %T", g.TokenProvider())
	assert.Equal(t, "https://gis.example.com/arcgis/", cp.RootURL())
	assert.IsType(t, &RSAEncrypter{}, cp.CryptoProvider())

	req := cp.TokenRequest()
	assert.Equal(t, 30, req.ExpirationMinutes)
	assert.Equal(t, "https://app.example.com", req.Referer())
}

func TestNewGatewayFromConfig_Portal(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "jsmith"
	cfg.Password = "secret"
	cfg.PortalURL = "https://portal.example.com/portal"

	g, err := NewGatewayFromConfig(cfg)
	require.NoError(t, err)
	defer g.Close()

	fp, ok := g.TokenProvider().(*FederatedTokenProvider)
	require.True(t, ok, "got %T", g.TokenProvider())
	assert.Equal(t, "https://portal.example.com/portal/", fp.RootURL())
	assert.Equal(t, "https://portal.example.com/portal/rest", fp.request.Referer)
	assert.Equal(t, "https://gis.example.com/arcgis/", fp.request.ServerURL)
}

func TestNewGatewayFromConfig_OAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "jsmith"
	cfg.Password = "secret"
	cfg.ClientID = "app"
	cfg.ClientSecret = "shh"
	cfg.PortalURL = "https://portal.example.com/portal"

	g, err := NewGatewayFromConfig(cfg)
	require.NoError(t, err)
	defer g.Close()

	op, ok := g.TokenProvider().(*OAuthTokenProvider)
	require.True(t, ok, "got %T", g.TokenProvider())
	assert.Equal(t, "https://portal.example.com/portal/sharing/rest/oauth2/token", op.tokenURL)
	assert.Equal(t, 30, op.request.ExpirationMinutes)
	assert.Equal(t, "app", op.UserName())
}

func TestNewGatewayFromConfig_Errors(t *testing.T) {
	_, err := NewGatewayFromConfig(nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.RootURL = "relative"

	_, err = NewGatewayFromConfig(cfg)
	require.ErrorIs(t, err, ErrInvalidRootURL)

	cfg = testConfig()
	cfg.PortalURL = "https://portal.example.com/portal"

	_, err = NewGatewayFromConfig(cfg)
	require.ErrorIs(t, err, ErrMissingCredentials)
}
