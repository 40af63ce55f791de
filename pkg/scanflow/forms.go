package scanflow

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/vectornode/vectornode/pkg/client"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// Form is the evidence collected on an action screen.
type Form interface {
	Action() shipment.Action
	// CanSubmit reports whether the submit button is enabled.
	CanSubmit() bool
	// Hint explains what is missing, or "" when the form is complete.
	Hint(lang language.Tag) string

	request() shipment.ScanRequest
	photos() []client.File
	signature() string
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// hint returns the message for the first unmet requirement.
func hint(lang language.Tag, checks ...check) string {
	for _, c := range checks {
		if !c.ok {
			return client.Message(c.code, lang)
		}
	}
	return ""
}

type check struct {
	ok   bool
	code string
}

// DeliveryForm is proof of delivery.
type DeliveryForm struct {
	RecipientName string
	// Signature is the canvas capture as a data URL.
	Signature string
	Photos    []client.File
}

func (f *DeliveryForm) Action() shipment.Action { return shipment.ActionDelivered }

func (f *DeliveryForm) checks() []check {
	return []check{
		{!blank(f.RecipientName), "MISSING_RECIPIENT"},
		{f.Signature != "", "MISSING_SIGNATURE"},
		{len(f.Photos) > 0, "MISSING_PHOTOS"},
	}
}

func (f *DeliveryForm) CanSubmit() bool               { return hint(language.English, f.checks()...) == "" }
func (f *DeliveryForm) Hint(lang language.Tag) string { return hint(lang, f.checks()...) }
func (f *DeliveryForm) photos() []client.File         { return f.Photos }
func (f *DeliveryForm) signature() string             { return f.Signature }
func (f *DeliveryForm) request() shipment.ScanRequest {
	return shipment.ScanRequest{Action: shipment.ActionDelivered, RecipientName: strings.TrimSpace(f.RecipientName)}
}

// PickupForm confirms collection from the shipper.
type PickupForm struct {
	Quantity          int
	HasDamage         bool
	DamageDescription string
	Photos            []client.File
}

func (f *PickupForm) Action() shipment.Action { return shipment.ActionPickup }

func (f *PickupForm) checks() []check {
	return []check{
		{f.Quantity >= 1, "INVALID_QUANTITY"},
		{!f.HasDamage || !blank(f.DamageDescription), "MISSING_DAMAGE_DESCRIPTION"},
		{!f.HasDamage || len(f.Photos) > 0, "MISSING_PHOTOS"},
	}
}

func (f *PickupForm) CanSubmit() bool               { return hint(language.English, f.checks()...) == "" }
func (f *PickupForm) Hint(lang language.Tag) string { return hint(lang, f.checks()...) }
func (f *PickupForm) photos() []client.File         { return f.Photos }
func (f *PickupForm) signature() string             { return "" }
func (f *PickupForm) request() shipment.ScanRequest {
	r := shipment.ScanRequest{Action: shipment.ActionPickup, Quantity: f.Quantity, HasDamage: f.HasDamage}
	if f.HasDamage {
		r.DamageDescription = strings.TrimSpace(f.DamageDescription)
	}
	return r
}

// WarehouseForm records an inbound or outbound warehouse scan.
type WarehouseForm struct {
	// Direction is shipment.ActionWarehouseIn or shipment.ActionWarehouseOut.
	Direction shipment.Action
	Photos    []client.File
}

func (f *WarehouseForm) Action() shipment.Action { return f.Direction }

func (f *WarehouseForm) CanSubmit() bool { return f.Hint(language.English) == "" }

func (f *WarehouseForm) Hint(lang language.Tag) string {
	return hint(lang, check{len(f.Photos) > 0, "MISSING_PHOTOS"})
}

func (f *WarehouseForm) photos() []client.File { return f.Photos }
func (f *WarehouseForm) signature() string     { return "" }
func (f *WarehouseForm) request() shipment.ScanRequest {
	return shipment.ScanRequest{Action: f.Direction}
}

// HandoverForm hands the unit to a vehicle. It is always submittable.
type HandoverForm struct {
	VehiclePlate string
}

func (f *HandoverForm) Action() shipment.Action  { return shipment.ActionInTransit }
func (f *HandoverForm) CanSubmit() bool          { return true }
func (f *HandoverForm) Hint(language.Tag) string { return "" }
func (f *HandoverForm) photos() []client.File    { return nil }
func (f *HandoverForm) signature() string        { return "" }
func (f *HandoverForm) request() shipment.ScanRequest {
	return shipment.ScanRequest{Action: shipment.ActionInTransit, VehiclePlate: strings.TrimSpace(f.VehiclePlate)}
}

// DamageForm reports damage without moving the unit.
type DamageForm struct {
	Description string
	Photos      []client.File
}

func (f *DamageForm) Action() shipment.Action { return shipment.ActionDamage }

func (f *DamageForm) checks() []check {
	return []check{
		{!blank(f.Description), "MISSING_DAMAGE_DESCRIPTION"},
		{len(f.Photos) > 0, "MISSING_PHOTOS"},
	}
}

func (f *DamageForm) CanSubmit() bool               { return hint(language.English, f.checks()...) == "" }
func (f *DamageForm) Hint(lang language.Tag) string { return hint(lang, f.checks()...) }
func (f *DamageForm) photos() []client.File         { return f.Photos }
func (f *DamageForm) signature() string             { return "" }
func (f *DamageForm) request() shipment.ScanRequest {
	return shipment.ScanRequest{Action: shipment.ActionDamage, DamageDescription: strings.TrimSpace(f.Description)}
}
