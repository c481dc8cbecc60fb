package arcgis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// AttachmentWorker uploads feature attachments. Uploads are multipart
// bodies, which the Gateway's form encoding cannot carry, but token,
// referer and error handling are the same.
type AttachmentWorker struct {
	*httpCore

	rootURL       string
	tokenProvider TokenProvider
	serializer    Serializer
}

// NewAttachmentWorker returns a worker for the site at rootURL.
func NewAttachmentWorker(rootURL string, opts ...Option) (*AttachmentWorker, error) {
	root, err := NormalizeRootURL(rootURL)
	if err != nil {
		return nil, fmt.Errorf("creating attachment worker: %w", err)
	}

	o := buildOptions(opts)

	core, err := newHTTPCore(o)
	if err != nil {
		return nil, err
	}

	return &AttachmentWorker{
		httpCore:      core,
		rootURL:       root,
		tokenProvider: o.tokenProvider,
		serializer:    o.serializer,
	}, nil
}

// Close releases the HTTP client. The token provider is left open since
// it is usually shared with a Gateway.
func (w *AttachmentWorker) Close() error {
	w.httpCore.close()
	return nil
}

// AttachmentUpload describes a file to attach to a feature.
type AttachmentUpload struct {
	// Layer is the layer endpoint, e.g. Svc/FeatureServer/0.
	Layer        Endpoint
	FeatureID    int64
	AttachmentID int64 // updates only

	FileName    string
	ContentType string
	Data        io.Reader

	// Token, when set, is sent instead of asking the token provider. It is
	// never modified by the worker.
	Token string
}

// AttachmentResult reports the outcome of an upload.
type AttachmentResult struct {
	ObjectID int64        `json:"objectId"`
	GlobalID string       `json:"globalId,omitempty"`
	Success  bool         `json:"success"`
	Error    *ArcGISError `json:"error,omitempty"`
}

// AddAttachmentResponse is the reply of addAttachment.
type AddAttachmentResponse struct {
	PortalResponse

	Result AttachmentResult `json:"addAttachmentResult"`
}

// UpdateAttachmentResponse is the reply of updateAttachment.
type UpdateAttachmentResponse struct {
	PortalResponse

	Result AttachmentResult `json:"updateAttachmentResult"`
}

// AddAttachment uploads a new attachment to a feature.
func (w *AttachmentWorker) AddAttachment(ctx context.Context, up *AttachmentUpload) (*AddAttachmentResponse, error) {
	if up == nil {
		return nil, ErrNilOperation
	}

	var resp AddAttachmentResponse
	if err := w.upload(ctx, up, "addAttachment", nil, &resp); err != nil {
		return nil, fmt.Errorf("adding attachment to feature %d: %w", up.FeatureID, err)
	}

	if e := resp.Result.Error; e != nil && !resp.Result.Success {
		return &resp, &ServerError{URL: up.Layer.String(), Detail: *e}
	}

	return &resp, nil
}

// UpdateAttachment replaces the content of an existing attachment.
func (w *AttachmentWorker) UpdateAttachment(ctx context.Context, up *AttachmentUpload) (*UpdateAttachmentResponse, error) {
	if up == nil {
		return nil, ErrNilOperation
	}

	fields := map[string]string{"attachmentId": strconv.FormatInt(up.AttachmentID, 10)}

	var resp UpdateAttachmentResponse
	if err := w.upload(ctx, up, "updateAttachment", fields, &resp); err != nil {
		return nil, fmt.Errorf("updating attachment %d of feature %d: %w", up.AttachmentID, up.FeatureID, err)
	}

	if e := resp.Result.Error; e != nil && !resp.Result.Success {
		return &resp, &ServerError{URL: up.Layer.String(), Detail: *e}
	}

	return &resp, nil
}

func (w *AttachmentWorker) upload(ctx context.Context, up *AttachmentUpload, action string, fields map[string]string, out any) error {
	if up.Data == nil {
		return errors.New("attachment has no data")
	}

	if _, err := w.httpClient(); err != nil {
		return err
	}

	ep := up.Layer.Join(strconv.FormatInt(up.FeatureID, 10), action)

	target, err := ep.BuildAbsoluteURL(w.rootURL)
	if err != nil {
		return err
	}

	tok, err := resolveToken(ctx, w.tokenProvider, up.Token, w.logger)
	if err != nil {
		return err
	}

	var token string

	if tok != nil {
		token = tok.Value

		if tok.AlwaysUseSSL {
			target = forceHTTPS(target)
		}
	}

	body, contentType, err := attachmentBody(up, token, fields)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	if tok != nil {
		if err := setReferer(req, tok.Referer); err != nil {
			return err
		}
	}

	w.logger.Debug("uploading attachment",
		slog.String("url", target),
		slog.String("file", up.FileName),
	)

	start := w.clock.Now()

	err = w.send(ctx, req, out)

	w.observe(req.Method, start, err)

	return err
}

func (w *AttachmentWorker) send(ctx context.Context, req *http.Request, out any) error {
	body, err := w.do(ctx, req)
	if err != nil {
		return err
	}

	if apiErr, ok := envelopeError(body); ok {
		return &ServerError{URL: endpointOf(req.URL), Detail: *apiErr}
	}

	if err := w.serializer.Parse(body, out); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", ErrDecode, endpointOf(req.URL), err)
	}

	return nil
}

// attachmentBody writes the file part named "attachment" followed by f,
// token and any extra fields.
func attachmentBody(up *AttachmentUpload, token string, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileName := up.FileName
	if fileName == "" {
		fileName = "attachment"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating attachment part: %w", err)
	}

	if _, err := io.Copy(part, up.Data); err != nil {
		return nil, "", fmt.Errorf("reading attachment data: %w", err)
	}

	all := map[string]string{"f": "json"}
	if token != "" {
		all["token"] = token
	}

	for k, v := range fields {
		all[k] = v
	}

	for _, k := range []string{"f", "token", "attachmentId"} {
		if v, ok := all[k]; ok {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("writing field %s: %w", k, err)
			}
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
