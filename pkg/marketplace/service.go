package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/events"
	"github.com/vectornode/vectornode/pkg/qrtoken"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// Options configures a Service.
type Options struct {
	Tokens    *qrtoken.Registry
	Publisher events.Publisher
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Service validates and authorises marketplace operations.
type Service struct {
	repo      Repository
	tokens    *qrtoken.Registry
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, opts Options) *Service {
	s := &Service{
		repo:      repo,
		tokens:    opts.Tokens,
		publisher: opts.Publisher,
		now:       opts.Clock,
		logger:    opts.Logger,
	}
	if s.now == nil {
		s.now = shipment.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "marketplace")
	return s
}

// companyOf returns the company a principal acts for. Accounts without a
// company act for themselves.
func companyOf(p auth.Principal) string {
	if c := p.GetCompanyID(); c != "" {
		return c
	}
	return p.GetID()
}

func owns(p auth.Principal, companyID string) bool {
	return auth.IsAdmin(p) || (companyID != "" && companyOf(p) == companyID)
}

// --- shipments ---

// UnitInput describes one unit of a load being posted.
type UnitInput struct {
	Description string  `json:"description"`
	WeightKg    float64 `json:"weight_kg"`
}

// ShipmentRequest posts a load.
type ShipmentRequest struct {
	Reference   string      `json:"reference"`
	Origin      string      `json:"origin"`
	Destination string      `json:"destination"`
	PickupDate  time.Time   `json:"pickup_date"`
	Units       []UnitInput `json:"units"`
	// ClientID names the consignee, who may report disputes on the units.
	ClientID string `json:"client_id,omitempty"`
}

func (r *ShipmentRequest) validate() error {
	f := fieldErrors{}
	r.Origin = required(f, "origin", r.Origin)
	r.Destination = required(f, "destination", r.Destination)
	r.Reference = shipment.CleanText(r.Reference)
	if r.PickupDate.IsZero() {
		f.add("pickup_date", "is required")
	}
	switch n := len(r.Units); {
	case n == 0:
		f.add("units", "at least one unit is required")
	case n > MaxUnitsPerShipment:
		f.add("units", fmt.Sprintf("at most %d units per shipment", MaxUnitsPerShipment))
	}
	for i := range r.Units {
		u := &r.Units[i]
		u.Description = required(f, fmt.Sprintf("units[%d].description", i), u.Description)
		if u.WeightKg <= 0 || u.WeightKg > MaxUnitWeightKg {
			f.add(fmt.Sprintf("units[%d].weight_kg", i), fmt.Sprintf("must be in (0, %d]", MaxUnitWeightKg))
		}
	}
	return f.err()
}

// PostShipment creates a shipment and its units at CREATED, each with a
// fresh QR token.
func (s *Service) PostShipment(ctx context.Context, p auth.Principal, req ShipmentRequest) (*shipment.Shipment, error) {
	if !auth.HasRole(p, auth.RoleShipper, auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	sh := &shipment.Shipment{
		ID:          uuid.NewString(),
		Reference:   req.Reference,
		ShipperID:   companyOf(p),
		ClientID:    strings.TrimSpace(req.ClientID),
		Origin:      req.Origin,
		Destination: req.Destination,
		PickupDate:  req.PickupDate.UTC(),
		Status:      shipment.ShipmentOpen,
		CreatedAt:   now,
	}
	if sh.Reference == "" {
		sh.Reference = "VN-" + strings.ToUpper(sh.ID[:8])
	}
	for i, in := range req.Units {
		u := &shipment.Unit{
			ID:          uuid.NewString(),
			ShipmentID:  sh.ID,
			UnitNumber:  i + 1,
			UnitTotal:   len(req.Units),
			Description: in.Description,
			WeightKg:    in.WeightKg,
			Status:      shipment.StatusCreated,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if s.tokens != nil {
			// bound before the unit exists; a dangling binding resolves to nothing
			tok, err := s.tokens.Issue(ctx, u.ID)
			if err != nil {
				return nil, fmt.Errorf("issue qr token: %w", err)
			}
			u.QRToken = tok
		}
		sh.Units = append(sh.Units, u)
	}
	if err := s.repo.CreateShipment(ctx, sh); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "shipment posted", "shipment_id", sh.ID, "units", len(sh.Units), "shipper_id", sh.ShipperID)
	events.Emit(ctx, s.publisher, events.New(events.ShipmentPosted, sh.ID, map[string]any{
		"shipper_id": sh.ShipperID, "origin": sh.Origin, "destination": sh.Destination, "units": len(sh.Units),
	}))
	return sh, nil
}

// canSeeShipment: admins, the shipper, the assigned carrier, and any carrier
// while the load is open for bids.
func canSeeShipment(p auth.Principal, sh *shipment.Shipment) bool {
	if owns(p, sh.ShipperID) || owns(p, sh.CarrierID) {
		return true
	}
	return sh.Status == shipment.ShipmentOpen && auth.HasRole(p, auth.RoleCarrier)
}

// redact hides QR tokens from everyone but the shipper who prints labels.
func redact(p auth.Principal, sh *shipment.Shipment) *shipment.Shipment {
	if owns(p, sh.ShipperID) {
		return sh
	}
	cp := *sh
	cp.Units = make([]*shipment.Unit, len(sh.Units))
	for i, u := range sh.Units {
		uc := *u
		uc.QRToken = ""
		cp.Units[i] = &uc
	}
	return &cp
}

// GetShipment returns a shipment visible to p.
func (s *Service) GetShipment(ctx context.Context, p auth.Principal, id string) (*shipment.Shipment, error) {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canSeeShipment(p, sh) {
		return nil, ErrShipmentNotFound
	}
	return redact(p, sh), nil
}

// ListShipments lists shipments for p. Shippers see their own loads;
// carriers see open loads when asking for OPEN and their assigned loads
// otherwise; admins see everything.
func (s *Service) ListShipments(ctx context.Context, p auth.Principal, status string, page, limit int) ([]*shipment.Shipment, int, error) {
	f := ShipmentFilter{Status: shipment.ShipmentStatus(strings.ToUpper(status)), Page: page, Limit: limit}
	switch f.Status {
	case "", shipment.ShipmentOpen, shipment.ShipmentAssigned, shipment.ShipmentInProgress, shipment.ShipmentCompleted:
	default:
		return nil, 0, fieldErrors{"status": "unknown shipment status"}.err()
	}
	switch p.GetRole() {
	case auth.RoleAdmin:
	case auth.RoleShipper:
		f.ShipperID = companyOf(p)
	case auth.RoleCarrier, auth.RoleDriver:
		if f.Status != shipment.ShipmentOpen || p.GetRole() == auth.RoleDriver {
			f.CarrierID = companyOf(p)
		}
	default:
		return nil, 0, ErrForbidden
	}
	items, total, err := s.repo.ListShipments(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	for i := range items {
		items[i] = redact(p, items[i])
	}
	return items, total, nil
}

// DeleteShipment removes a load that has not been picked up yet.
func (s *Service) DeleteShipment(ctx context.Context, p auth.Principal, id string) error {
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return err
	}
	if !owns(p, sh.ShipperID) {
		return ErrShipmentNotFound
	}
	for _, u := range sh.Units {
		if u.Scanned() {
			return ErrShipmentStarted
		}
	}
	if err := s.repo.DeleteShipment(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "shipment deleted", "shipment_id", id, "by", p.GetID())
	return nil
}

// --- bids ---

// BidRequest is a carrier's offer.
type BidRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Note     string          `json:"note,omitempty"`
}

func parseCurrency(f fieldErrors, field, v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return "EUR"
	}
	if _, err := currency.ParseISO(v); err != nil {
		f.add(field, "must be an ISO 4217 currency code")
	}
	return v
}

// PlaceBid records a carrier's offer on an open shipment.
func (s *Service) PlaceBid(ctx context.Context, p auth.Principal, shipmentID string, req BidRequest) (*Bid, error) {
	if !auth.HasRole(p, auth.RoleCarrier) {
		return nil, ErrForbidden
	}
	f := fieldErrors{}
	if !req.Amount.IsPositive() {
		f.add("amount", "must be greater than zero")
	}
	cur := parseCurrency(f, "currency", req.Currency)
	if err := f.err(); err != nil {
		return nil, err
	}
	carrierID := companyOf(p)
	if _, err := s.repo.GetCarrier(ctx, carrierID); err != nil {
		if errors.Is(err, ErrCarrierNotFound) {
			return nil, fieldErrors{"carrier": "create a carrier profile before bidding"}.err()
		}
		return nil, err
	}
	sh, err := s.repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if sh.Status != shipment.ShipmentOpen {
		return nil, ErrShipmentNotOpen
	}
	b := &Bid{
		ID:         uuid.NewString(),
		ShipmentID: sh.ID,
		CarrierID:  carrierID,
		Amount:     req.Amount.Round(2),
		Currency:   cur,
		Note:       shipment.CleanText(req.Note),
		Status:     BidPending,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateBid(ctx, b); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "bid placed", "bid_id", b.ID, "shipment_id", sh.ID, "carrier_id", carrierID)
	return b, nil
}

// ListBids lists bids on a shipment. The shipper sees every bid; carriers
// see only their own.
func (s *Service) ListBids(ctx context.Context, p auth.Principal, shipmentID string) ([]*Bid, error) {
	sh, err := s.repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if !canSeeShipment(p, sh) {
		return nil, ErrShipmentNotFound
	}
	bids, err := s.repo.ListBids(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if owns(p, sh.ShipperID) {
		return bids, nil
	}
	mine := bids[:0]
	for _, b := range bids {
		if b.CarrierID == companyOf(p) {
			mine = append(mine, b)
		}
	}
	return mine, nil
}

// AcceptBid assigns the bidding carrier to the shipment.
func (s *Service) AcceptBid(ctx context.Context, p auth.Principal, bidID string) (*Bid, error) {
	b, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	sh, err := s.repo.GetShipment(ctx, b.ShipmentID)
	if err != nil {
		return nil, err
	}
	if !owns(p, sh.ShipperID) {
		return nil, ErrBidNotFound
	}
	if b.Status != BidPending {
		return nil, ErrBidNotPending
	}
	if sh.Status != shipment.ShipmentOpen {
		return nil, ErrShipmentNotOpen
	}
	if err := s.repo.AcceptBid(ctx, b); err != nil {
		return nil, err
	}
	b.Status = BidAccepted
	s.logger.InfoContext(ctx, "bid accepted", "bid_id", b.ID, "shipment_id", sh.ID, "carrier_id", b.CarrierID)
	events.Emit(ctx, s.publisher, events.New(events.BidAccepted, sh.ID, b))
	return b, nil
}

// --- carriers and fleet ---

// CarrierRequest creates or updates a carrier profile.
type CarrierRequest struct {
	CompanyName string `json:"company_name"`
	VATNumber   string `json:"vat_number"`
	Country     string `json:"country"`
	Tier        string `json:"subscription_tier"`
}

func parseCountry(f fieldErrors, field, v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		f.add(field, "is required")
		return v
	}
	r, err := language.ParseRegion(v)
	if err != nil || len(v) != 2 || !r.IsCountry() {
		f.add(field, "must be an ISO 3166 alpha-2 country code")
	}
	return v
}

func (r *CarrierRequest) validate() (Tier, error) {
	f := fieldErrors{}
	r.CompanyName = required(f, "company_name", r.CompanyName)
	r.VATNumber = strings.ToUpper(strings.ReplaceAll(required(f, "vat_number", r.VATNumber), " ", ""))
	r.Country = parseCountry(f, "country", r.Country)
	tier := TierBasic
	if r.Tier != "" {
		t, ok := ParseTier(r.Tier)
		if !ok {
			f.add("subscription_tier", "must be BASIC, PRO or ENTERPRISE")
		}
		tier = t
	}
	return tier, f.err()
}

// CreateCarrier registers the caller's company as a carrier. Admins create
// standalone profiles.
func (s *Service) CreateCarrier(ctx context.Context, p auth.Principal, req CarrierRequest) (*Carrier, error) {
	if !auth.HasRole(p, auth.RoleCarrier, auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	tier, err := req.validate()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if !auth.IsAdmin(p) {
		id = companyOf(p)
	}
	now := s.now()
	c := &Carrier{
		ID:          id,
		CompanyName: req.CompanyName,
		VATNumber:   req.VATNumber,
		Country:     req.Country,
		Tier:        tier,
		Rating:      InitialRating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateCarrier(ctx, c); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "carrier created", "carrier_id", c.ID, "tier", c.Tier)
	return c, nil
}

// GetCarrier returns a carrier profile. Profiles are public to signed-in users.
func (s *Service) GetCarrier(ctx context.Context, id string) (*Carrier, error) {
	return s.repo.GetCarrier(ctx, id)
}

// ListCarriers pages through carrier profiles.
func (s *Service) ListCarriers(ctx context.Context, page, limit int) ([]*Carrier, int, error) {
	return s.repo.ListCarriers(ctx, page, limit)
}

// UpdateCarrier edits a profile. Downgrading below the current fleet size
// is rejected.
func (s *Service) UpdateCarrier(ctx context.Context, p auth.Principal, id string, req CarrierRequest) (*Carrier, error) {
	if !owns(p, id) {
		return nil, ErrForbidden
	}
	c, err := s.repo.GetCarrier(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Tier == "" {
		req.Tier = string(c.Tier)
	}
	tier, err := req.validate()
	if err != nil {
		return nil, err
	}
	if limit := tier.VehicleLimit(); limit >= 0 {
		vehicles, err := s.repo.ListVehicles(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(vehicles) > limit {
			return nil, fieldErrors{"subscription_tier": fmt.Sprintf("fleet has %d vehicles, tier allows %d", len(vehicles), limit)}.err()
		}
	}
	c.CompanyName = req.CompanyName
	c.VATNumber = req.VATNumber
	c.Country = req.Country
	c.Tier = tier
	c.UpdatedAt = s.now()
	if err := s.repo.UpdateCarrier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AdjustCarrierRating applies a dispute's rating impact.
func (s *Service) AdjustCarrierRating(ctx context.Context, carrierID string, delta int) error {
	if delta == 0 {
		return nil
	}
	if err := s.repo.AdjustCarrierRating(ctx, carrierID, delta); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "carrier rating adjusted", "carrier_id", carrierID, "delta", delta)
	return nil
}

// VehicleRequest adds a vehicle to a fleet.
type VehicleRequest struct {
	Plate      string `json:"plate"`
	Type       string `json:"type"`
	CapacityKg int    `json:"capacity_kg"`
}

// AddVehicle registers a vehicle within the carrier's tier limit.
func (s *Service) AddVehicle(ctx context.Context, p auth.Principal, carrierID string, req VehicleRequest) (*Vehicle, error) {
	if !owns(p, carrierID) {
		return nil, ErrForbidden
	}
	f := fieldErrors{}
	plate := strings.ToUpper(strings.ReplaceAll(required(f, "plate", req.Plate), " ", ""))
	typ := strings.ToUpper(required(f, "type", req.Type))
	if req.CapacityKg < 1 || req.CapacityKg > MaxVehicleCapacity {
		f.add("capacity_kg", fmt.Sprintf("must be between 1 and %d", MaxVehicleCapacity))
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	c, err := s.repo.GetCarrier(ctx, carrierID)
	if err != nil {
		return nil, err
	}
	v := &Vehicle{
		ID:         uuid.NewString(),
		CarrierID:  c.ID,
		Plate:      plate,
		Type:       typ,
		CapacityKg: req.CapacityKg,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateVehicle(ctx, v, c.Tier.VehicleLimit()); err != nil {
		return nil, err
	}
	return v, nil
}

// ListVehicles lists a carrier's fleet.
func (s *Service) ListVehicles(ctx context.Context, p auth.Principal, carrierID string) ([]*Vehicle, error) {
	if !owns(p, carrierID) {
		return nil, ErrForbidden
	}
	return s.repo.ListVehicles(ctx, carrierID)
}

// RemoveVehicle deletes a vehicle from the fleet.
func (s *Service) RemoveVehicle(ctx context.Context, p auth.Principal, carrierID, id string) error {
	if !owns(p, carrierID) {
		return ErrForbidden
	}
	return s.repo.DeleteVehicle(ctx, carrierID, id)
}

// DriverRequest adds a driver.
type DriverRequest struct {
	Name          string `json:"name"`
	LicenceNumber string `json:"licence_number"`
	Phone         string `json:"phone"`
}

// AddDriver registers a driver for the carrier.
func (s *Service) AddDriver(ctx context.Context, p auth.Principal, carrierID string, req DriverRequest) (*Driver, error) {
	if !owns(p, carrierID) {
		return nil, ErrForbidden
	}
	f := fieldErrors{}
	d := &Driver{
		ID:            uuid.NewString(),
		CarrierID:     carrierID,
		Name:          required(f, "name", req.Name),
		LicenceNumber: strings.ToUpper(required(f, "licence_number", req.LicenceNumber)),
		Phone:         required(f, "phone", req.Phone),
		CreatedAt:     s.now(),
	}
	if d.Phone != "" && !validPhone(d.Phone) {
		f.add("phone", "must be an international number like +355 69 123 4567")
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetCarrier(ctx, carrierID); err != nil {
		return nil, err
	}
	if err := s.repo.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func validPhone(v string) bool {
	digits := 0
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0, r == ' ', r == '-':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// ListDrivers lists a carrier's drivers.
func (s *Service) ListDrivers(ctx context.Context, p auth.Principal, carrierID string) ([]*Driver, error) {
	if !owns(p, carrierID) {
		return nil, ErrForbidden
	}
	return s.repo.ListDrivers(ctx, carrierID)
}

// RemoveDriver deletes a driver.
func (s *Service) RemoveDriver(ctx context.Context, p auth.Principal, carrierID, id string) error {
	if !owns(p, carrierID) {
		return ErrForbidden
	}
	return s.repo.DeleteDriver(ctx, carrierID, id)
}

// --- warehouses ---

// WarehouseRequest creates or updates a warehouse.
type WarehouseRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Country         string `json:"country"`
	CapacityPallets int    `json:"capacity_pallets"`
}

func (r *WarehouseRequest) validate() error {
	f := fieldErrors{}
	r.Name = required(f, "name", r.Name)
	r.Address = required(f, "address", r.Address)
	r.Country = parseCountry(f, "country", r.Country)
	if r.CapacityPallets < 1 {
		f.add("capacity_pallets", "must be at least 1")
	}
	return f.err()
}

// CreateWarehouse registers a warehouse. WAREHOUSE and ADMIN accounts only.
func (s *Service) CreateWarehouse(ctx context.Context, p auth.Principal, req WarehouseRequest) (*Warehouse, error) {
	if !auth.HasRole(p, auth.RoleWarehouse, auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	w := &Warehouse{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Address:         req.Address,
		Country:         req.Country,
		CapacityPallets: req.CapacityPallets,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateWarehouse(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWarehouse returns a warehouse.
func (s *Service) GetWarehouse(ctx context.Context, id string) (*Warehouse, error) {
	return s.repo.GetWarehouse(ctx, id)
}

// ListWarehouses pages through warehouses.
func (s *Service) ListWarehouses(ctx context.Context, page, limit int) ([]*Warehouse, int, error) {
	return s.repo.ListWarehouses(ctx, page, limit)
}

// UpdateWarehouse edits a warehouse.
func (s *Service) UpdateWarehouse(ctx context.Context, p auth.Principal, id string, req WarehouseRequest) (*Warehouse, error) {
	if !auth.HasRole(p, auth.RoleWarehouse, auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	w, err := s.repo.GetWarehouse(ctx, id)
	if err != nil {
		return nil, err
	}
	w.Name = req.Name
	w.Address = req.Address
	w.Country = req.Country
	w.CapacityPallets = req.CapacityPallets
	w.UpdatedAt = s.now()
	if err := s.repo.UpdateWarehouse(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWarehouse removes a warehouse. ADMIN only.
func (s *Service) DeleteWarehouse(ctx context.Context, p auth.Principal, id string) error {
	if !auth.IsAdmin(p) {
		return ErrForbidden
	}
	return s.repo.DeleteWarehouse(ctx, id)
}
