package arcgis

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointKind identifies which API root an endpoint is relative to.
type EndpointKind int

const (
	// KindServer endpoints live under rest/services/.
	KindServer EndpointKind = iota
	// KindAdmin endpoints live under admin/.
	KindAdmin
	// KindPortal endpoints live under sharing/rest/.
	KindPortal
	// KindAbsolute endpoints are full URLs used as-is.
	KindAbsolute
	// KindRoot endpoints are joined to the root URL without a prefix.
	KindRoot
)

const (
	serverPrefix = "rest/services/"
	adminPrefix  = "admin/"
	portalPrefix = "sharing/rest/"
)

func (k EndpointKind) prefix() string {
	switch k {
	case KindServer:
		return serverPrefix
	case KindAdmin:
		return adminPrefix
	case KindPortal:
		return portalPrefix
	}

	return ""
}

func (k EndpointKind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindAdmin:
		return "admin"
	case KindPortal:
		return "portal"
	case KindAbsolute:
		return "absolute"
	case KindRoot:
		return "root"
	}

	return fmt.Sprintf("EndpointKind(%d)", int(k))
}

// Endpoint is a resource path relative to a server root. The zero value is
// not usable; build endpoints with the constructors below.
type Endpoint struct {
	kind     EndpointKind
	relative string
}

// ServerEndpoint returns an endpoint under rest/services/. The input may
// be a bare service path ("Foo/MapServer"), may already carry the prefix
// any number of times, or may be an absolute URL whose path is used.
func ServerEndpoint(path string) (Endpoint, error) {
	return newPrefixedEndpoint(KindServer, path)
}

// MustServerEndpoint is like ServerEndpoint but panics on error. It is
// meant for literal paths.
func MustServerEndpoint(path string) Endpoint {
	ep, err := ServerEndpoint(path)
	if err != nil {
		panic(err)
	}

	return ep
}

// AdminEndpoint returns an endpoint under admin/.
func AdminEndpoint(path string) (Endpoint, error) {
	return newPrefixedEndpoint(KindAdmin, path)
}

// PortalEndpoint returns an endpoint under sharing/rest/.
func PortalEndpoint(path string) (Endpoint, error) {
	return newPrefixedEndpoint(KindPortal, path)
}

// AbsoluteEndpoint wraps a complete URL. BuildAbsoluteURL returns it
// unchanged.
func AbsoluteEndpoint(rawURL string) Endpoint {
	return Endpoint{kind: KindAbsolute, relative: rawURL}
}

// RootEndpoint returns a path joined directly to the root URL, such as
// rest/info.
func RootEndpoint(path string) Endpoint {
	return Endpoint{kind: KindRoot, relative: strings.Trim(path, "/")}
}

func newPrefixedEndpoint(kind EndpointKind, raw string) (Endpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return Endpoint{}, fmt.Errorf("%w: empty %s path", ErrInvalidEndpoint, kind)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, raw, err)
	}

	path := raw
	if u.IsAbs() {
		path = u.Path
	}

	return Endpoint{kind: kind, relative: canonicalPath(kind.prefix(), path)}, nil
}

// canonicalPath strips every occurrence of prefix up to and including the
// last one, then puts a single prefix back in front.
func canonicalPath(prefix, path string) string {
	path = strings.Trim(path, "/")
	bare := strings.TrimSuffix(prefix, "/")

	if idx := lastSegmentIndex(path, bare); idx >= 0 {
		path = strings.Trim(path[idx+len(bare):], "/")
	}

	if path == "" {
		return prefix
	}

	return prefix + path
}

// lastSegmentIndex finds the last case-insensitive occurrence of needle in
// path that starts and ends on a segment boundary.
func lastSegmentIndex(path, needle string) int {
	lower := strings.ToLower(path)
	needle = strings.ToLower(needle)

	for end := len(lower); end > 0; {
		idx := strings.LastIndex(lower[:end], needle)
		if idx < 0 {
			return -1
		}

		after := idx + len(needle)
		if (idx == 0 || lower[idx-1] == '/') && (after == len(lower) || lower[after] == '/') {
			return idx
		}

		end = idx + len(needle) - 1
	}

	return -1
}

// Kind returns the endpoint's kind.
func (e Endpoint) Kind() EndpointKind { return e.kind }

// RelativeURL returns the canonical path, or the full URL for absolute
// endpoints.
func (e Endpoint) RelativeURL() string { return e.relative }

// IsZero reports whether e was never initialized.
func (e Endpoint) IsZero() bool { return e.relative == "" }

func (e Endpoint) String() string { return e.relative }

// Join appends path segments to the endpoint.
func (e Endpoint) Join(elem ...string) Endpoint {
	parts := []string{strings.TrimRight(e.relative, "/")}

	for _, el := range elem {
		if el = strings.Trim(el, "/"); el != "" {
			parts = append(parts, el)
		}
	}

	return Endpoint{kind: e.kind, relative: strings.Join(parts, "/")}
}

// Parent drops the last path segment when it equals name
// (case-insensitive). It reports whether anything was removed.
func (e Endpoint) Parent(name string) (Endpoint, bool) {
	trimmed := strings.TrimRight(e.relative, "/")

	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || !strings.EqualFold(trimmed[idx+1:], name) {
		return e, false
	}

	return Endpoint{kind: e.kind, relative: trimmed[:idx]}, true
}

// BuildAbsoluteURL resolves the endpoint against rootURL. If the endpoint
// already contains the root's host and site path it is returned unchanged.
func (e Endpoint) BuildAbsoluteURL(rootURL string) (string, error) {
	if e.kind == KindAbsolute {
		if e.relative == "" {
			return "", fmt.Errorf("%w: empty absolute URL", ErrInvalidEndpoint)
		}

		return e.relative, nil
	}

	root, err := parseRootURL(rootURL)
	if err != nil {
		return "", err
	}

	site := strings.ToLower(root.Host + strings.TrimRight(root.Path, "/"))
	if strings.Contains(strings.ToLower(e.relative), site) {
		return e.relative, nil
	}

	return strings.TrimRight(rootURL, "/") + "/" + e.relative, nil
}

func parseRootURL(rootURL string) (*url.URL, error) {
	if strings.TrimSpace(rootURL) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRootURL)
	}

	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidRootURL, rootURL, err)
	}

	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidRootURL, rootURL)
	}

	return u, nil
}

// rootSuffixes are cut from a root URL, longest first.
var rootSuffixes = []string{"/rest/admin/services", "/rest/services", "/admin", "/tokens"}

// NormalizeRootURL reduces a URL pointing anywhere inside an ArcGIS Server
// site to the site root with a single trailing slash, e.g.
// https://host/arcgis/rest/services/Foo becomes https://host/arcgis/.
func NormalizeRootURL(rawURL string) (string, error) {
	if _, err := parseRootURL(rawURL); err != nil {
		return "", err
	}

	root := rawURL
	if i := strings.IndexAny(root, "?#"); i >= 0 {
		root = root[:i]
	}

	root = strings.TrimRight(root, "/")

	// Only the path is searched so a host such as tokens.example.com
	// survives.
	pathStart := len(root)
	if i := strings.Index(root, "://"); i >= 0 {
		if j := strings.Index(root[i+3:], "/"); j >= 0 {
			pathStart = i + 3 + j
		}
	}

	lower := strings.ToLower(root)
	for _, suffix := range rootSuffixes {
		if idx := strings.Index(lower[pathStart:], suffix); idx >= 0 {
			root = root[:pathStart+idx]
			lower = lower[:pathStart+idx]
		}
	}

	return root + "/", nil
}

// forceHTTPS rewrites an http: scheme to https:.
func forceHTTPS(rawURL string) string {
	if len(rawURL) >= 5 && strings.EqualFold(rawURL[:5], "http:") {
		return "https:" + rawURL[5:]
	}

	return rawURL
}
