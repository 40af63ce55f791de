// Package marketplace holds the load board around the custody model:
// shipments posted by shippers, carrier bids, carrier fleets and warehouses.
package marketplace

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// Limits on posted loads and fleet records.
const (
	MaxUnitsPerShipment = 50
	MaxUnitWeightKg     = 30000
	MaxVehicleCapacity  = 40000
	InitialRating       = 50
	MaxRating           = 100
)

// Tier is a carrier subscription tier.
type Tier string

const (
	TierBasic      Tier = "BASIC"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Tiers lists subscription tiers from smallest to largest.
var Tiers = []Tier{TierBasic, TierPro, TierEnterprise}

// ParseTier returns the Tier named by s.
func ParseTier(s string) (Tier, bool) {
	for _, t := range Tiers {
		if string(t) == strings.ToUpper(strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}

// VehicleLimit returns how many vehicles the tier allows; -1 means unlimited.
func (t Tier) VehicleLimit() int {
	switch t {
	case TierBasic:
		return 3
	case TierPro:
		return 25
	case TierEnterprise:
		return -1
	default:
		return 0
	}
}

// BidStatus is the state of a bid on a shipment.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
)

// Carrier is a transport company profile.
type Carrier struct {
	ID          string    `json:"id"`
	CompanyName string    `json:"company_name"`
	VATNumber   string    `json:"vat_number"`
	Country     string    `json:"country"`
	Tier        Tier      `json:"subscription_tier"`
	Rating      int       `json:"rating"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Vehicle belongs to a carrier's fleet.
type Vehicle struct {
	ID         string    `json:"id"`
	CarrierID  string    `json:"carrier_id"`
	Plate      string    `json:"plate"`
	Type       string    `json:"type"`
	CapacityKg int       `json:"capacity_kg"`
	CreatedAt  time.Time `json:"created_at"`
}

// Driver works for a carrier.
type Driver struct {
	ID            string    `json:"id"`
	CarrierID     string    `json:"carrier_id"`
	Name          string    `json:"name"`
	LicenceNumber string    `json:"licence_number"`
	Phone         string    `json:"phone"`
	CreatedAt     time.Time `json:"created_at"`
}

// Warehouse is a cross-dock or storage site.
type Warehouse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	Country         string    `json:"country"`
	CapacityPallets int       `json:"capacity_pallets"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Bid is a carrier's price offer for a shipment.
type Bid struct {
	ID         string          `json:"id"`
	ShipmentID string          `json:"shipment_id"`
	CarrierID  string          `json:"carrier_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Note       string          `json:"note,omitempty"`
	Status     BidStatus       `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ShipmentFilter narrows shipment listings.
type ShipmentFilter struct {
	Status    shipment.ShipmentStatus
	ShipperID string
	CarrierID string
	Page      int
	Limit     int
}

var (
	ErrShipmentNotFound  = shipment.ErrShipmentNotFound
	ErrBidNotFound       = errcode.New(errcode.NotFound, "bid not found")
	ErrCarrierNotFound   = errcode.New(errcode.NotFound, "carrier not found")
	ErrVehicleNotFound   = errcode.New(errcode.NotFound, "vehicle not found")
	ErrDriverNotFound    = errcode.New(errcode.NotFound, "driver not found")
	ErrWarehouseNotFound = errcode.New(errcode.NotFound, "warehouse not found")
	ErrCarrierExists     = errcode.New(errcode.Conflict, "carrier profile already exists")
	ErrPlateExists       = errcode.New(errcode.Conflict, "vehicle plate already registered")
	ErrVehicleLimit      = errcode.New(errcode.ValidationFailed, "subscription tier vehicle limit reached")
	ErrShipmentStarted   = errcode.New(errcode.Conflict, "shipment has scanned units")
	ErrShipmentNotOpen   = errcode.New(errcode.Conflict, "shipment is not open for bids")
	ErrBidNotPending     = errcode.New(errcode.Conflict, "bid is no longer pending")
	ErrForbidden         = errcode.New(errcode.Forbidden, "not allowed for this account")
)

// Repository persists marketplace records. Shipments are written together
// with their units.
type Repository interface {
	CreateShipment(ctx context.Context, s *shipment.Shipment) error
	GetShipment(ctx context.Context, id string) (*shipment.Shipment, error)
	ListShipments(ctx context.Context, f ShipmentFilter) ([]*shipment.Shipment, int, error)
	DeleteShipment(ctx context.Context, id string) error

	CreateBid(ctx context.Context, b *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	ListBids(ctx context.Context, shipmentID string) ([]*Bid, error)
	// AcceptBid marks the bid accepted, rejects the shipment's other pending
	// bids and assigns the carrier, atomically. It returns ErrBidNotPending
	// or ErrShipmentNotOpen when another accept won.
	AcceptBid(ctx context.Context, bid *Bid) error

	CreateCarrier(ctx context.Context, c *Carrier) error
	GetCarrier(ctx context.Context, id string) (*Carrier, error)
	ListCarriers(ctx context.Context, page, limit int) ([]*Carrier, int, error)
	UpdateCarrier(ctx context.Context, c *Carrier) error
	// AdjustCarrierRating adds delta to the rating, clamped to [0, MaxRating].
	AdjustCarrierRating(ctx context.Context, id string, delta int) error

	// CreateVehicle inserts v unless the carrier already has limit vehicles.
	// A negative limit is unlimited.
	CreateVehicle(ctx context.Context, v *Vehicle, limit int) error
	ListVehicles(ctx context.Context, carrierID string) ([]*Vehicle, error)
	DeleteVehicle(ctx context.Context, carrierID, id string) error

	CreateDriver(ctx context.Context, d *Driver) error
	ListDrivers(ctx context.Context, carrierID string) ([]*Driver, error)
	DeleteDriver(ctx context.Context, carrierID, id string) error

	CreateWarehouse(ctx context.Context, w *Warehouse) error
	GetWarehouse(ctx context.Context, id string) (*Warehouse, error)
	ListWarehouses(ctx context.Context, page, limit int) ([]*Warehouse, int, error)
	UpdateWarehouse(ctx context.Context, w *Warehouse) error
	DeleteWarehouse(ctx context.Context, id string) error
}

// fieldErrors collects per-field validation messages.
type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &errcode.Error{
		Code:   errcode.ValidationFailed,
		Detail: "invalid fields: " + strings.Join(keys, ", "),
		Fields: f,
	}
}

func required(f fieldErrors, field, value string) string {
	v := shipment.CleanText(value)
	if v == "" {
		f.add(field, "is required")
	}
	return v
}
