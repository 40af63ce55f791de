package checkpoint

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/shipment"
)

var (
	ErrEmptyUpload     = errcode.New(errcode.ValidationFailed, "upload is empty")
	ErrUnsupportedType = errcode.New(errcode.ValidationFailed, "only jpeg, png, webp and heic images are accepted")
	ErrBlankSignature  = errcode.New(errcode.MissingSignature, "signature canvas is empty")
	ErrNoArtifactStore = errcode.New(errcode.Internal, "evidence storage is not configured")
	ErrCanvasTooLarge  = errcode.Newf(errcode.ValidationFailed, "signature canvas exceeds %dx%d pixels", maxCanvasSide, maxCanvasSide)
)

// maxCanvasSide bounds each signature dimension; decoding allocates the
// full pixel buffer up front.
const maxCanvasSide = 4096

var photoTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// sniff returns the stored content type of data. HEIC is not recognised by
// http.DetectContentType, so the declared type is trusted for it.
func sniff(data []byte, declared string) (string, error) {
	sniffed := http.DetectContentType(data)
	if photoTypes[sniffed] {
		return sniffed, nil
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if sniffed == "application/octet-stream" && (declared == "image/heic" || declared == "image/heif") {
		return declared, nil
	}
	return "", ErrUnsupportedType
}

func (s *Service) checkSize(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyUpload
	}
	if int64(len(data)) > s.maxUpload {
		return errcode.Newf(errcode.ValidationFailed, "upload exceeds %d MB", s.maxUpload>>20)
	}
	return nil
}

// store writes the blob and its photo row.
func (s *Service) store(ctx context.Context, p auth.Principal, unitID string, kind shipment.AttachmentKind,
	purpose, contentType string, data []byte) (*shipment.Photo, error) {
	if s.blobs == nil {
		return nil, ErrNoArtifactStore
	}
	digest, err := s.blobs.Put(ctx, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store evidence blob: %w", err)
	}
	ph := &shipment.Photo{
		ID:          uuid.NewString(),
		UnitID:      unitID,
		Kind:        kind,
		Purpose:     purpose,
		ContentType: contentType,
		Size:        int64(len(data)),
		Digest:      digest,
		UploadedBy:  p.GetID(),
		CreatedAt:   s.now(),
	}
	if err := s.repo.InsertPhoto(ctx, ph); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "evidence stored", "photo_id", ph.ID, "unit_id", unitID, "kind", kind, "size", ph.Size)
	return ph, nil
}

// scanner reports whether p may perform at least one action on u.
func scanner(p auth.Principal, u *shipment.Unit) bool {
	return len(shipment.AllowedActions(u.Status, p.GetRole())) > 0
}

// AttachPhoto uploads a checkpoint photo for the unit behind token. The
// photo stays unreferenced until a scan lists it.
func (s *Service) AttachPhoto(ctx context.Context, p auth.Principal, token, declaredType string, data []byte) (*shipment.Photo, error) {
	u, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if !scanner(p, u) {
		return nil, shipment.ErrUnauthorizedRole
	}
	if err := s.checkSize(data); err != nil {
		return nil, err
	}
	ct, err := sniff(data, declaredType)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, p, u.ID, shipment.KindPhoto, "checkpoint", ct, data)
}

// AttachSignature stores a delivery signature sent as a data URL from a
// signature canvas. Canvases with a single colour are rejected.
func (s *Service) AttachSignature(ctx context.Context, p auth.Principal, token, dataURL string) (*shipment.Photo, error) {
	u, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if !shipment.CanPerform(p.GetRole(), shipment.ActionDelivered) {
		return nil, shipment.ErrUnauthorizedRole
	}
	ct, data, err := decodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	if err := s.checkSize(data); err != nil {
		return nil, err
	}
	blank, err := isBlank(data)
	if errors.Is(err, ErrCanvasTooLarge) {
		return nil, err
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.ValidationFailed, fmt.Errorf("decode signature: %w", err))
	}
	if blank {
		return nil, ErrBlankSignature
	}
	return s.store(ctx, p, u.ID, shipment.KindSignature, "signature", ct, data)
}

// AttachUnitPhoto uploads a photo for a unit by id, for dispute reports
// made after the label has expired.
func (s *Service) AttachUnitPhoto(ctx context.Context, p auth.Principal, unitID, declaredType string, data []byte) (*shipment.Photo, error) {
	if p == nil || p.GetID() == "" {
		return nil, errcode.New(errcode.Unauthorized, "authentication required")
	}
	u, _, err := s.partyUnit(ctx, p, unitID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSize(data); err != nil {
		return nil, err
	}
	ct, err := sniff(data, declaredType)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, p, u.ID, shipment.KindPhoto, "dispute", ct, data)
}

// decodeDataURL parses "data:image/png;base64,...".
func decodeDataURL(raw string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "data:")
	if !ok {
		return "", nil, errcode.New(errcode.ValidationFailed, "signature must be a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, errcode.New(errcode.ValidationFailed, "signature must be base64 encoded")
	}
	ct := strings.TrimSuffix(meta, ";base64")
	if ct != "image/png" && ct != "image/jpeg" {
		return "", nil, errcode.New(errcode.ValidationFailed, "signature must be png or jpeg")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errcode.Wrap(errcode.ValidationFailed, fmt.Errorf("decode signature: %w", err))
	}
	if len(data) == 0 {
		return "", nil, ErrBlankSignature
	}
	return ct, data, nil
}

// isBlank reports whether every pixel of the image has the same colour.
func isBlank(data []byte) (bool, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	if cfg.Width > maxCanvasSide || cfg.Height > maxCanvasSide {
		return false, ErrCanvasTooLarge
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	b := img.Bounds()
	if b.Empty() {
		return true, nil
	}
	r0, g0, b0, a0 := img.At(b.Min.X, b.Min.Y).RGBA()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a == 0 && a0 == 0 {
				continue
			}
			if r != r0 || g != g0 || bl != b0 || a != a0 {
				return false, nil
			}
		}
	}
	return true, nil
}
