package shipment

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/vectornode/vectornode/pkg/errcode"
)

var (
	ErrMissingPhotos            = errcode.New(errcode.MissingPhotos, "at least one photo is required")
	ErrMissingDamageDescription = errcode.New(errcode.MissingDamageDescription, "damage description is required")
	ErrMissingRecipient         = errcode.New(errcode.MissingRecipient, "recipient name is required")
	ErrMissingSignature         = errcode.New(errcode.MissingSignature, "recipient signature is required")
	ErrInvalidQuantity          = errcode.New(errcode.InvalidQuantity, "confirmed quantity must be at least 1")
)

// CleanText trims s and normalises it to NFC so that visually identical input
// from different devices stores and hashes identically.
func CleanText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// Normalize cleans every free-text field of the request in place.
func (r *ScanRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.DamageDescription = CleanText(r.DamageDescription)
	r.RecipientName = CleanText(r.RecipientName)
	r.VehiclePlate = strings.ToUpper(CleanText(r.VehiclePlate))
	r.SignatureID = strings.TrimSpace(r.SignatureID)
	ids := r.PhotoIDs[:0]
	for _, id := range r.PhotoIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	r.PhotoIDs = ids
}

// ValidateEvidence checks that req carries the evidence its action requires.
// Text fields are expected to be normalised already.
func ValidateEvidence(req *ScanRequest) error {
	switch req.Action {
	case ActionPickup:
		if req.Quantity < 1 {
			return ErrInvalidQuantity
		}
		if req.HasDamage {
			if strings.TrimSpace(req.DamageDescription) == "" {
				return ErrMissingDamageDescription
			}
			if len(req.PhotoIDs) == 0 {
				return ErrMissingPhotos
			}
		}
	case ActionWarehouseIn, ActionWarehouseOut:
		if len(req.PhotoIDs) == 0 {
			return ErrMissingPhotos
		}
	case ActionInTransit:
		// vehicle plate is optional
	case ActionDelivered:
		if strings.TrimSpace(req.RecipientName) == "" {
			return ErrMissingRecipient
		}
		if req.SignatureID == "" {
			return ErrMissingSignature
		}
		if len(req.PhotoIDs) == 0 {
			return ErrMissingPhotos
		}
	case ActionDamage:
		if strings.TrimSpace(req.DamageDescription) == "" {
			return ErrMissingDamageDescription
		}
		if len(req.PhotoIDs) == 0 {
			return ErrMissingPhotos
		}
	default:
		return ErrInvalidTransition
	}
	return nil
}
