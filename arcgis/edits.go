package arcgis

import (
	"context"
	"fmt"
)

// EditResult is the outcome of one add, update or delete.
type EditResult struct {
	ObjectID int64        `json:"objectId"`
	GlobalID string       `json:"globalId,omitempty"`
	Success  bool         `json:"success"`
	Error    *ArcGISError `json:"error,omitempty"`
}

// Edits is the input of applyEdits on a single layer.
type Edits struct {
	Adds    []Feature
	Updates []Feature
	Deletes []int64

	RollbackOnFailure bool
}

// IsEmpty reports whether there is nothing to send.
func (e *Edits) IsEmpty() bool {
	return len(e.Adds) == 0 && len(e.Updates) == 0 && len(e.Deletes) == 0
}

func (e *Edits) params() map[string]any {
	p := map[string]any{"rollbackOnFailure": e.RollbackOnFailure}

	if len(e.Adds) > 0 {
		p["adds"] = e.Adds
	}

	if len(e.Updates) > 0 {
		p["updates"] = e.Updates
	}

	if len(e.Deletes) > 0 {
		p["deletes"] = joinIDs(e.Deletes, ",")
	}

	return p
}

// ApplyEditsResponse is the reply of applyEdits.
type ApplyEditsResponse struct {
	PortalResponse

	AddResults    []EditResult `json:"addResults"`
	UpdateResults []EditResult `json:"updateResults"`
	DeleteResults []EditResult `json:"deleteResults"`
}

// Failed returns every result that did not succeed.
func (r *ApplyEditsResponse) Failed() []EditResult {
	var out []EditResult

	for _, set := range [][]EditResult{r.AddResults, r.UpdateResults, r.DeleteResults} {
		for _, res := range set {
			if !res.Success {
				out = append(out, res)
			}
		}
	}

	return out
}

// ApplyEdits adds, updates and deletes features of layer in one request.
// Per-feature failures are reported in the results, not as an error.
func (g *Gateway) ApplyEdits(ctx context.Context, layer Endpoint, edits *Edits) (*ApplyEditsResponse, error) {
	if edits == nil {
		return nil, ErrNilOperation
	}

	if edits.IsEmpty() {
		return &ApplyEditsResponse{}, nil
	}

	var resp ApplyEditsResponse
	if err := g.Post(ctx, NewOperation(layer.Join("applyEdits"), edits.params()), &resp); err != nil {
		return nil, fmt.Errorf("applying edits to %s: %w", layer, err)
	}

	return &resp, nil
}

// DeleteFeaturesResponse is the reply of deleteFeatures.
type DeleteFeaturesResponse struct {
	PortalResponse

	DeleteResults []EditResult `json:"deleteResults"`
}

// DeleteFeatures deletes the features of layer matching where, or the
// given object ids when where is empty.
func (g *Gateway) DeleteFeatures(ctx context.Context, layer Endpoint, where string, ids []int64) (*DeleteFeaturesResponse, error) {
	if where == "" && len(ids) == 0 {
		return &DeleteFeaturesResponse{}, nil
	}

	op := NewOperation(layer.Join("deleteFeatures"), nil)
	if where != "" {
		op.Set("where", where)
	}

	if len(ids) > 0 {
		op.Set("objectIds", joinIDs(ids, ","))
	}

	var resp DeleteFeaturesResponse
	if err := g.Post(ctx, op, &resp); err != nil {
		return nil, fmt.Errorf("deleting features of %s: %w", layer, err)
	}

	return &resp, nil
}

// AttachmentInfo describes one attachment of a feature.
type AttachmentInfo struct {
	ID          int64  `json:"id"`
	GlobalID    string `json:"globalId,omitempty"`
	ParentID    int64  `json:"parentObjectId,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Keywords    string `json:"keywords,omitempty"`
}

// AttachmentGroup is the attachments of one parent feature.
type AttachmentGroup struct {
	ParentObjectID int64            `json:"parentObjectId"`
	ParentGlobalID string           `json:"parentGlobalId,omitempty"`
	Infos          []AttachmentInfo `json:"attachmentInfos"`
}

// QueryAttachmentsResponse is the reply of queryAttachments.
type QueryAttachmentsResponse struct {
	PortalResponse

	Fields      []Field           `json:"fields,omitempty"`
	Attachments []AttachmentGroup `json:"attachmentGroups"`
}

// QueryAttachments lists the attachments of the given features of layer.
// An empty where with no ids lists every attachment.
func (g *Gateway) QueryAttachments(ctx context.Context, layer Endpoint, where string, ids []int64) (*QueryAttachmentsResponse, error) {
	op := NewOperation(layer.Join("queryAttachments"), map[string]any{
		"definitionExpression": firstNonEmpty(where, "1=1"),
	})

	if len(ids) > 0 {
		op.Set("objectIds", joinIDs(ids, ","))
	}

	var resp QueryAttachmentsResponse
	if err := g.Post(ctx, op, &resp); err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", layer, err)
	}

	return &resp, nil
}

// DeleteAttachmentsResponse is the reply of deleteAttachments.
type DeleteAttachmentsResponse struct {
	PortalResponse

	DeleteAttachmentResults []EditResult `json:"deleteAttachmentResults"`
}

// DeleteAttachments removes attachments from one feature of layer.
func (g *Gateway) DeleteAttachments(ctx context.Context, layer Endpoint, featureID int64, attachmentIDs []int64) (*DeleteAttachmentsResponse, error) {
	if len(attachmentIDs) == 0 {
		return &DeleteAttachmentsResponse{}, nil
	}

	op := NewOperation(layer.Join(fmt.Sprint(featureID), "deleteAttachments"), map[string]any{
		"attachmentIds": joinIDs(attachmentIDs, ","),
	})

	var resp DeleteAttachmentsResponse
	if err := g.Post(ctx, op, &resp); err != nil {
		return nil, fmt.Errorf("deleting attachments of %s/%d: %w", layer, featureID, err)
	}

	return &resp, nil
}
