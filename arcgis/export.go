package arcgis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Extent is a bounding box with an optional spatial reference.
type Extent struct {
	XMin             float64           `json:"xmin"`
	YMin             float64           `json:"ymin"`
	XMax             float64           `json:"xmax"`
	YMax             float64           `json:"ymax"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

func (e *Extent) bbox() string {
	return strings.Join([]string{
		strconv.FormatFloat(e.XMin, 'f', -1, 64),
		strconv.FormatFloat(e.YMin, 'f', -1, 64),
		strconv.FormatFloat(e.XMax, 'f', -1, 64),
		strconv.FormatFloat(e.YMax, 'f', -1, 64),
	}, ",")
}

// SpatialReference identifies a coordinate system.
type SpatialReference struct {
	WKID       int    `json:"wkid,omitempty"`
	LatestWKID int    `json:"latestWkid,omitempty"`
	WKT        string `json:"wkt,omitempty"`
}

// ExportMap is a map image export request. Build it with NewExportMap.
type ExportMap struct {
	// Service is the map service endpoint, e.g. Svc/MapServer.
	Service Endpoint

	Extent      *Extent
	Width       int
	Height      int
	DPI         int
	Format      string
	ImageSR     *SpatialReference
	LayerDefs   map[int]string
	Transparent bool
	From        *time.Time
	To          *time.Time
	MapScale    int64
	Rotation    int
}

// NewExportMap returns a 400x400 png export at 96 dpi.
func NewExportMap(service Endpoint) *ExportMap {
	if parent, ok := service.Parent("export"); ok {
		service = parent
	}

	return &ExportMap{
		Service: service,
		Width:   400,
		Height:  400,
		DPI:     96,
		Format:  "png",
	}
}

// Params returns the export parameters.
func (e *ExportMap) Params() map[string]any {
	p := map[string]any{
		"format":      firstNonEmpty(e.Format, "png"),
		"transparent": e.Transparent,
	}

	if e.Extent != nil {
		p["bbox"] = e.Extent.bbox()
		if e.Extent.SpatialReference != nil {
			p["bboxSR"] = e.Extent.SpatialReference
		}
	}

	if e.Width > 0 && e.Height > 0 {
		p["size"] = fmt.Sprintf("%d,%d", e.Width, e.Height)
	}

	if e.DPI > 0 {
		p["dpi"] = e.DPI
	}

	if e.ImageSR != nil {
		p["imageSR"] = e.ImageSR
	}

	if len(e.LayerDefs) > 0 {
		p["layerDefs"] = e.LayerDefs
	}

	if e.From != nil {
		to := e.From
		if e.To != nil {
			to = e.To
		}

		p["time"] = fmt.Sprintf("%d,%d", e.From.UnixMilli(), to.UnixMilli())
	}

	if e.MapScale > 0 {
		p["mapScale"] = e.MapScale
	}

	if e.Rotation != 0 {
		p["rotation"] = e.Rotation
	}

	return p
}

// ExportMapResponse describes an exported image.
type ExportMapResponse struct {
	PortalResponse

	Href   string  `json:"href"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Extent *Extent `json:"extent,omitempty"`
	Scale  float64 `json:"scale"`
}

// ImageFormat returns the file extension of the exported image.
func (r *ExportMapResponse) ImageFormat() string {
	if r.Href == "" {
		return ""
	}

	return r.Href[strings.LastIndex(r.Href, ".")+1:]
}

// ExportMap renders a map image on the server and returns where to fetch
// it.
func (g *Gateway) ExportMap(ctx context.Context, e *ExportMap) (*ExportMapResponse, error) {
	if e == nil {
		return nil, ErrNilOperation
	}

	var resp ExportMapResponse
	if err := g.Get(ctx, NewOperation(e.Service.Join("export"), e.Params()), &resp); err != nil {
		return nil, fmt.Errorf("exporting map from %s: %w", e.Service, err)
	}

	return &resp, nil
}

// DownloadExportMap fetches the exported image into dir as
// {name}.{format} and returns the file path. A random name is used when
// name is empty. An existing file is replaced only once the download has
// completed.
func (g *Gateway) DownloadExportMap(ctx context.Context, resp *ExportMapResponse, dir, name string) (string, error) {
	if resp == nil || resp.Href == "" {
		return "", fmt.Errorf("%w: export map response has no image url", ErrInvalidEndpoint)
	}

	if strings.TrimSpace(dir) == "" {
		return "", errors.New("download directory is required")
	}

	if strings.TrimSpace(name) == "" {
		name = uuid.NewString()
	}

	path := filepath.Join(dir, name+"."+resp.ImageFormat())

	err := g.download(ctx, resp.Href, func(r io.Reader) error {
		tmp, err := os.CreateTemp(dir, "."+name+"-*")
		if err != nil {
			return err
		}

		if err := copyAndClose(tmp, r); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}

		if err := os.Rename(tmp.Name(), path); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("downloading exported map: %w", err)
	}

	g.logger.Debug("saved exported map", slog.String("path", path))

	return path, nil
}

// DownloadAttachment fetches one attachment of a feature into dir. The
// file is named after the attachment; when that name is taken rev-1-,
// rev-2- and so on are prefixed until a free name is found.
func (g *Gateway) DownloadAttachment(ctx context.Context, layer Endpoint, featureID int64, info AttachmentInfo, dir string) (string, error) {
	name := safeFileName(info.Name)
	if name == "" {
		return "", errors.New("attachment has no usable name")
	}

	if strings.TrimSpace(dir) == "" {
		return "", errors.New("download directory is required")
	}

	ep := layer.Join(strconv.FormatInt(featureID, 10), "attachments", strconv.FormatInt(info.ID, 10))

	target, err := ep.BuildAbsoluteURL(g.rootURL)
	if err != nil {
		return "", err
	}

	var path string

	err = g.download(ctx, target, func(r io.Reader) error {
		f, err := createNewFile(dir, name)
		if err != nil {
			return err
		}

		if err := copyAndClose(f, r); err != nil {
			_ = os.Remove(f.Name())
			return err
		}

		path = f.Name()

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("downloading attachment %d of %s/%d: %w", info.ID, layer, featureID, err)
	}

	g.logger.Debug("saved attachment", slog.String("path", path))

	return path, nil
}

// envelopePeek is how much of a download is buffered to look for a JSON
// error envelope. Envelopes are far smaller; anything longer is content.
const envelopePeek = 64 << 10

// download GETs rawURL with the gateway's token and referer and hands the
// body to save as it streams in. A JSON error envelope in place of the
// content is a *ServerError and save is not called. Downloads are not
// subject to the reply size limit.
func (g *Gateway) download(ctx context.Context, rawURL string, save func(io.Reader) error) error {
	if _, err := g.httpClient(); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, rawURL)
	}

	tok, err := resolveToken(ctx, g.tokenProvider, "", g.logger)
	if err != nil {
		return err
	}

	if tok != nil {
		q := u.Query()
		if q.Get("token") == "" {
			q.Set("token", tok.Value)
		}

		u.RawQuery = q.Encode()

		if tok.AlwaysUseSSL {
			u.Scheme = "https"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if tok != nil {
		if err := setReferer(req, tok.Referer); err != nil {
			return err
		}
	}

	start := g.clock.Now()

	err = g.stream(ctx, req, save)

	g.observe(req.Method, start, err)

	return err
}

func (g *Gateway) stream(ctx context.Context, req *http.Request, save func(io.Reader) error) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.open(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body := &readTracker{r: resp.Body}
	br := bufio.NewReaderSize(body, envelopePeek)

	head, err := br.Peek(envelopePeek)
	switch {
	case errors.Is(err, io.EOF):
		if json.Valid(head) {
			if apiErr, ok := envelopeError(head); ok {
				return &ServerError{URL: endpointOf(req.URL), Detail: *apiErr}
			}
		}
	case err != nil && !errors.Is(err, bufio.ErrBufferFull):
		return g.readFailure(ctx, req, err)
	}

	if err := save(br); err != nil {
		if body.err != nil {
			return g.readFailure(ctx, req, body.err)
		}

		return fmt.Errorf("saving download: %w", err)
	}

	return nil
}

func (g *Gateway) readFailure(ctx context.Context, req *http.Request, err error) error {
	display := redactURL(req.URL)

	if isCancellation(ctx, err) {
		return canceled(fmt.Errorf("reading response from %s: %w", display, err))
	}

	return &TransportError{Method: req.Method, URL: display, Err: err}
}

// readTracker remembers the first read error other than io.EOF so a
// failed copy can be told apart from a failed write.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}

	return n, err
}

func copyAndClose(f *os.File, r io.Reader) error {
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// createNewFile creates dir/name, or dir/rev-N-name for the smallest N
// whose file does not exist yet.
func createNewFile(dir, name string) (*os.File, error) {
	candidate := name

	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			candidate = fmt.Sprintf("rev-%d-%s", i, name)
			continue
		}

		if err != nil {
			return nil, err
		}

		return f, nil
	}
}

// safeFileName drops characters that are not allowed in file names on
// common platforms.
func safeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}

		return r
	}, strings.TrimSpace(name))
}
