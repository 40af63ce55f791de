// Package shipment holds the custody model of the marketplace: shipments, the
// physical units inside them, and the checkpoint scans that move a unit
// through its custody states.
package shipment

import (
	"time"
)

// UnitStatus is the custody state of a single shipment unit.
type UnitStatus string

const (
	StatusCreated      UnitStatus = "CREATED"
	StatusPickedUp     UnitStatus = "PICKED_UP"
	StatusInWarehouse  UnitStatus = "IN_WAREHOUSE"
	StatusOutWarehouse UnitStatus = "OUT_WAREHOUSE"
	StatusInTransit    UnitStatus = "IN_TRANSIT"
	StatusDelivered    UnitStatus = "DELIVERED"
)

// Statuses lists unit statuses in custody order.
var Statuses = []UnitStatus{
	StatusCreated, StatusPickedUp, StatusInWarehouse, StatusOutWarehouse, StatusInTransit, StatusDelivered,
}

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Action is a checkpoint scan action.
type Action string

const (
	ActionPickup Action = "PICKUP"
	// ActionWarehouseIn is the inbound warehouse scan.
	ActionWarehouseIn Action = "WAREHOUSE_IN"
	// ActionWarehouseOut is the outbound warehouse scan.
	ActionWarehouseOut Action = "WAREHOUSE_OUT"
	// ActionInTransit is the handover to a vehicle.
	ActionInTransit Action = "IN_TRANSIT"
	ActionDelivered Action = "DELIVERED"
	// ActionDamage is a side report that never changes the unit's status.
	ActionDamage Action = "DAMAGE"
)

// Actions lists every action in the order they are offered to a scanner.
var Actions = []Action{
	ActionPickup, ActionWarehouseIn, ActionWarehouseOut, ActionInTransit, ActionDelivered, ActionDamage,
}

// ParseAction returns the Action named by s.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// ShipmentStatus summarises the marketplace state of a shipment.
type ShipmentStatus string

const (
	// ShipmentOpen is posted and accepting bids.
	ShipmentOpen ShipmentStatus = "OPEN"
	// ShipmentAssigned has an accepted bid and a carrier.
	ShipmentAssigned ShipmentStatus = "ASSIGNED"
	// ShipmentInProgress has at least one scanned unit.
	ShipmentInProgress ShipmentStatus = "IN_PROGRESS"
	// ShipmentCompleted has every unit delivered.
	ShipmentCompleted ShipmentStatus = "COMPLETED"
)

// Shipment is a load posted by a shipper.
type Shipment struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	ShipperID string `json:"shipper_id"`
	CarrierID string `json:"carrier_id,omitempty"`
	// ClientID is the consignee user or company.
	ClientID    string         `json:"client_id,omitempty"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	PickupDate  time.Time      `json:"pickup_date"`
	Status      ShipmentStatus `json:"status"`
	Units       []*Unit        `json:"units,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Unit is one physical unit within a shipment.
type Unit struct {
	ID          string     `json:"id"`
	ShipmentID  string     `json:"shipment_id"`
	UnitNumber  int        `json:"unit_number"`
	UnitTotal   int        `json:"unit_total"`
	Description string     `json:"description"`
	WeightKg    float64    `json:"weight_kg"`
	Status      UnitStatus `json:"current_status"`
	// QRToken is the current single-use token. It is only exposed to the
	// shipper that prints labels; scanners learn it from the label.
	QRToken       string     `json:"qr_token,omitempty"`
	Version       int64      `json:"version"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	RecipientName string     `json:"recipient_name,omitempty"`
	SignatureID   string     `json:"signature_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Scanned reports whether the unit has left the CREATED state.
func (u *Unit) Scanned() bool {
	return u.Status != StatusCreated
}

// GeoPoint is a best-effort device location.
type GeoPoint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// ScanLog is the immutable record of one checkpoint event.
type ScanLog struct {
	ID                string     `json:"id"`
	UnitID            string     `json:"unit_id"`
	Sequence          int64      `json:"sequence"`
	Action            Action     `json:"action"`
	PreviousStatus    UnitStatus `json:"previous_status"`
	NewStatus         UnitStatus `json:"new_status"`
	ActorID           string     `json:"actor_id"`
	ActorRole         string     `json:"actor_role"`
	ActorName         string     `json:"actor_name"`
	Timestamp         time.Time  `json:"timestamp"`
	Location          *GeoPoint  `json:"location,omitempty"`
	DamageFlagged     bool       `json:"damage_flagged"`
	DamageDescription string     `json:"damage_description,omitempty"`
	Quantity          int        `json:"quantity,omitempty"`
	VehiclePlate      string     `json:"vehicle_plate,omitempty"`
	RecipientName     string     `json:"recipient_name,omitempty"`
	SignatureID       string     `json:"signature_id,omitempty"`
	PhotoIDs          []string   `json:"photo_ids,omitempty"`
	PrevHash          string     `json:"prev_hash"`
	Hash              string     `json:"hash"`
}

// AttachmentKind distinguishes photos from delivery signatures.
type AttachmentKind string

const (
	KindPhoto     AttachmentKind = "PHOTO"
	KindSignature AttachmentKind = "SIGNATURE"
)

// Photo is an uploaded evidence blob bound to a unit. ScanID stays empty
// until a scan references it; unreferenced uploads are orphans.
type Photo struct {
	ID          string         `json:"id"`
	UnitID      string         `json:"unit_id"`
	ScanID      string         `json:"scan_id,omitempty"`
	Kind        AttachmentKind `json:"kind"`
	Purpose     string         `json:"purpose,omitempty"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	Digest      string         `json:"digest"`
	UploadedBy  string         `json:"uploaded_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ScanRequest is a scanner's intent to perform an action on the unit
// behind Token, with the evidence that action needs.
type ScanRequest struct {
	Token             string    `json:"token"`
	Action            Action    `json:"action"`
	Location          *GeoPoint `json:"location,omitempty"`
	Quantity          int       `json:"quantity,omitempty"`
	HasDamage         bool      `json:"has_damage,omitempty"`
	DamageDescription string    `json:"damage_description,omitempty"`
	VehiclePlate      string    `json:"vehicle_plate,omitempty"`
	RecipientName     string    `json:"recipient_name,omitempty"`
	SignatureID       string    `json:"signature_id,omitempty"`
	PhotoIDs          []string  `json:"photo_ids,omitempty"`
}

// DamageFlagged reports whether the request reports damage.
func (r *ScanRequest) DamageFlagged() bool {
	return r.Action == ActionDamage || (r.Action == ActionPickup && r.HasDamage)
}
