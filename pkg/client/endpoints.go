package client

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/shipment"
	"github.com/vectornode/vectornode/pkg/upload"
)

// Page is a page of list results.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Pager returns the navigation state for the page.
func (p *Page[T]) Pager() Pager {
	return Pager{Page: p.Page, TotalPages: p.TotalPages}
}

func pageQuery(page, limit int, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// --- checkpoint ---

// TokenInfo looks up the unit behind a scanned label.
func (c *Client) TokenInfo(ctx context.Context, token string) (*checkpoint.TokenInfo, error) {
	var out checkpoint.TokenInfo
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/qr/token/" + url.PathEscape(token), schema: "token_info"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Actions lists what the signed-in user may do with the unit.
func (c *Client) Actions(ctx context.Context, token string) ([]shipment.Action, error) {
	var out struct {
		Actions []shipment.Action `json:"actions"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/qr/token/" + url.PathEscape(token) + "/actions", schema: "actions"}, &out)
	if err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Scan submits a checkpoint scan. Resubmitting with the same idempotency
// key after a lost response returns the original result instead of a
// TOKEN_ALREADY_USED error.
func (c *Client) Scan(ctx context.Context, req shipment.ScanRequest, idempotencyKey string) (*checkpoint.ScanResult, error) {
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	r := request{method: http.MethodPost, path: "/api/qr/scan", body: body, contentType: "application/json", schema: "scan_result"}
	if idempotencyKey != "" {
		r.headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var out checkpoint.ScanResult
	if err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// File is one photo to upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

func (c *Client) multipart(ctx context.Context, path string, fields map[string]string, f File) (*shipment.Photo, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	hdr := textproto.MIMEHeader{}
	name := f.Name
	if name == "" {
		name = "photo"
	}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if f.ContentType != "" {
		hdr.Set("Content-Type", f.ContentType)
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out shipment.Photo
	err = c.do(ctx, request{method: http.MethodPost, path: path, body: &buf, contentType: mw.FormDataContentType(), schema: "photo"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPhoto uploads one checkpoint photo for the unit behind token.
func (c *Client) UploadPhoto(ctx context.Context, token string, f File) (*shipment.Photo, error) {
	return c.multipart(ctx, "/api/qr/photo", map[string]string{"token": token}, f)
}

// UploadPhotos uploads a batch with bounded concurrency. Every file gets
// its own outcome, in input order.
func (c *Client) UploadPhotos(ctx context.Context, token string, files []File) []upload.Result[*shipment.Photo] {
	return upload.Run(ctx, len(files), c.uploadLimit, func(ctx context.Context, i int) (*shipment.Photo, error) {
		return c.UploadPhoto(ctx, token, files[i])
	})
}

// UploadDisputePhoto uploads evidence for a dispute report by unit id.
func (c *Client) UploadDisputePhoto(ctx context.Context, unitID string, f File) (*shipment.Photo, error) {
	return c.multipart(ctx, "/api/disputes/photos", map[string]string{"unit_id": unitID}, f)
}

// UploadDisputePhotos is UploadPhotos for dispute evidence.
func (c *Client) UploadDisputePhotos(ctx context.Context, unitID string, files []File) []upload.Result[*shipment.Photo] {
	return upload.Run(ctx, len(files), c.uploadLimit, func(ctx context.Context, i int) (*shipment.Photo, error) {
		return c.UploadDisputePhoto(ctx, unitID, files[i])
	})
}

// AttachSignature uploads a signature canvas capture as a data URL.
func (c *Client) AttachSignature(ctx context.Context, token, dataURL string) (*shipment.Photo, error) {
	body, err := jsonBody(map[string]string{"token": token, "signature": dataURL})
	if err != nil {
		return nil, err
	}
	var out shipment.Photo
	err = c.do(ctx, request{method: http.MethodPost, path: "/api/qr/signature", body: body, contentType: "application/json", schema: "photo"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UnitHistory returns the unit's scan log with its chain status.
func (c *Client) UnitHistory(ctx context.Context, unitID string) (*checkpoint.History, error) {
	var out checkpoint.History
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/units/" + url.PathEscape(unitID) + "/history", schema: "history"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- disputes ---

// CreateDispute opens a dispute.
func (c *Client) CreateDispute(ctx context.Context, req dispute.CreateRequest) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/api/disputes", req)
}

// Dispute fetches one dispute.
func (c *Client) Dispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodGet, "/api/disputes/"+url.PathEscape(id), nil)
}

// AdvanceDispute moves a dispute to its next status. Admin only.
func (c *Client) AdvanceDispute(ctx context.Context, id string, to dispute.Status) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPatch, "/api/disputes/"+url.PathEscape(id)+"/status", map[string]dispute.Status{"status": to})
}

// ResolveDispute records the final decision. Admin only.
func (c *Client) ResolveDispute(ctx context.Context, id string, req dispute.ResolveRequest) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/api/disputes/"+url.PathEscape(id)+"/resolve", req)
}

func (c *Client) disputeCall(ctx context.Context, method, path string, in any) (*dispute.Dispute, error) {
	r := request{method: method, path: path, schema: "dispute"}
	if in != nil {
		body, err := jsonBody(in)
		if err != nil {
			return nil, err
		}
		r.body, r.contentType = body, "application/json"
	}
	var out dispute.Dispute
	if err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyDisputes lists the disputes the signed-in user reported.
func (c *Client) MyDisputes(ctx context.Context, page, limit int) (*Page[dispute.Dispute], error) {
	var out Page[dispute.Dispute]
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/disputes/my" + pageQuery(page, limit, nil), schema: "page"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AllDisputes lists every dispute, optionally by status. Admin only.
func (c *Client) AllDisputes(ctx context.Context, status dispute.Status, page, limit int) (*Page[dispute.Dispute], error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out Page[dispute.Dispute]
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/disputes/all" + pageQuery(page, limit, q), schema: "page"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Comments lists the dispute's comments visible to the caller.
func (c *Client) Comments(ctx context.Context, disputeID string) ([]dispute.Comment, error) {
	var out []dispute.Comment
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/disputes/" + url.PathEscape(disputeID) + "/comments"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddComment posts a comment. The server rejects it once the dispute's
// evidence is complete.
func (c *Client) AddComment(ctx context.Context, disputeID, body string, internal bool) (*dispute.Comment, error) {
	in, err := jsonBody(map[string]any{"body": body, "is_internal": internal})
	if err != nil {
		return nil, err
	}
	var out dispute.Comment
	err = c.do(ctx, request{method: http.MethodPost, path: "/api/disputes/" + url.PathEscape(disputeID) + "/comments", body: in, contentType: "application/json"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- marketplace ---

// Shipments lists shipments visible to the caller.
func (c *Client) Shipments(ctx context.Context, status string, page, limit int) (*Page[shipment.Shipment], error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out Page[shipment.Shipment]
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/shipments" + pageQuery(page, limit, q), schema: "page"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Shipment fetches one shipment with its units.
func (c *Client) Shipment(ctx context.Context, id string) (*shipment.Shipment, error) {
	var out shipment.Shipment
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/shipments/" + url.PathEscape(id)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
