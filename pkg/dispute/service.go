package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/events"
	"github.com/vectornode/vectornode/pkg/evidence"
	"github.com/vectornode/vectornode/pkg/liability"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// DefaultDeadline is the reporting window after delivery.
const DefaultDeadline = 48 * time.Hour

// Filter narrows dispute listings.
type Filter struct {
	ReporterID string
	UnitID     string
	Status     Status
	Page       int
	Limit      int
}

// Repository persists disputes and comments.
type Repository interface {
	// CreateDispute inserts d. It returns ErrDisputeExists when another
	// non-resolved dispute exists for the same unit.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// OpenDisputeForUnit returns the unit's non-resolved dispute, or nil.
	OpenDisputeForUnit(ctx context.Context, unitID string) (*Dispute, error)
	ListDisputes(ctx context.Context, f Filter) ([]*Dispute, int, error)
	// UpdateDispute writes d if its stored version equals expectedVersion,
	// and bumps d.Version. Otherwise it returns ErrConflict.
	UpdateDispute(ctx context.Context, d *Dispute, expectedVersion int64) error
	// AddComment re-checks the dispute's status atomically with the insert
	// and returns ErrCommentsLocked once comments are closed.
	AddComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error)
}

// UnitSource reads the custody history a dispute is judged on.
type UnitSource interface {
	GetUnit(ctx context.Context, id string) (*shipment.Unit, error)
	GetShipment(ctx context.Context, id string) (*shipment.Shipment, error)
	ListScans(ctx context.Context, unitID string) ([]*shipment.ScanLog, error)
	ListPhotos(ctx context.Context, unitID string) ([]*shipment.Photo, error)
}

// RatingAdjuster applies a resolution's rating impact to a carrier.
type RatingAdjuster interface {
	AdjustCarrierRating(ctx context.Context, carrierID string, delta int) error
}

// Options configures a Service.
type Options struct {
	Deadline  time.Duration
	Assessor  *liability.Assessor
	Publisher events.Publisher
	Ratings   RatingAdjuster
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Service enforces the dispute lifecycle.
type Service struct {
	repo      Repository
	units     UnitSource
	deadline  time.Duration
	assessor  *liability.Assessor
	publisher events.Publisher
	ratings   RatingAdjuster
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, units UnitSource, opts Options) *Service {
	s := &Service{
		repo:      repo,
		units:     units,
		deadline:  opts.Deadline,
		assessor:  opts.Assessor,
		publisher: opts.Publisher,
		ratings:   opts.Ratings,
		now:       opts.Clock,
		logger:    opts.Logger,
	}
	if s.deadline <= 0 {
		s.deadline = DefaultDeadline
	}
	if s.now == nil {
		s.now = shipment.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "dispute")
	return s
}

// CreateRequest is a party's claim against a unit.
type CreateRequest struct {
	UnitID      string   `json:"unit_id"`
	Type        Type     `json:"type"`
	Description string   `json:"description"`
	PhotoIDs    []string `json:"photo_ids"`
}

// Deadline returns when the unit's reporting window closes, or nil when the
// unit is not delivered yet and the window is open.
func (s *Service) Deadline(u *shipment.Unit) *time.Time {
	if u.DeliveredAt == nil {
		return nil
	}
	d := u.DeliveredAt.Add(s.deadline)
	return &d
}

// Create opens a dispute on behalf of p.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (*Dispute, error) {
	req.Description = shipment.CleanText(req.Description)
	if req.Description == "" {
		return nil, ErrMissingDescription
	}
	if len(req.PhotoIDs) == 0 {
		return nil, ErrNoPhotos
	}
	if _, ok := ParseType(string(req.Type)); !ok {
		return nil, errcode.Newf(errcode.ValidationFailed, "unknown dispute type %q", req.Type)
	}

	unit, err := s.units.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParty(ctx, p, unit); err != nil {
		return nil, err
	}
	if dl := s.Deadline(unit); dl != nil && s.now().After(*dl) {
		return nil, ErrDeadlineExpired
	}
	if err := s.checkPhotos(ctx, unit.ID, req.PhotoIDs); err != nil {
		return nil, err
	}
	existing, err := s.repo.OpenDisputeForUnit(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDisputeExists
	}

	d := &Dispute{
		ID:           uuid.NewString(),
		UnitID:       unit.ID,
		ShipmentID:   unit.ShipmentID,
		ReporterID:   p.GetID(),
		ReporterName: p.GetName(),
		ReporterRole: string(p.GetRole()),
		Type:         req.Type,
		Description:  req.Description,
		PhotoIDs:     req.PhotoIDs,
	}
	if err := s.open(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AutoOpen opens a DAMAGE dispute for a damage-flagged scan unless the unit
// already has a non-resolved dispute, in which case that one is returned.
func (s *Service) AutoOpen(ctx context.Context, unit *shipment.Unit, scan *shipment.ScanLog) (*Dispute, bool, error) {
	existing, err := s.repo.OpenDisputeForUnit(ctx, unit.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	d := &Dispute{
		ID:           uuid.NewString(),
		UnitID:       unit.ID,
		ShipmentID:   unit.ShipmentID,
		ReporterID:   scan.ActorID,
		ReporterName: scan.ActorName,
		ReporterRole: scan.ActorRole,
		Type:         TypeDamage,
		Description:  scan.DamageDescription,
		PhotoIDs:     scan.PhotoIDs,
		AutoCreated:  true,
		SourceScanID: scan.ID,
	}
	if err := s.open(ctx, d); err != nil {
		if errors.Is(err, ErrDisputeExists) {
			existing, gerr := s.repo.OpenDisputeForUnit(ctx, unit.ID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	return d, true, nil
}

func (s *Service) open(ctx context.Context, d *Dispute) error {
	if sh, err := s.units.GetShipment(ctx, d.ShipmentID); err == nil {
		d.ShipperID = sh.ShipperID
		d.CarrierID = sh.CarrierID
	} else if !errcode.Has(err, errcode.NotFound) {
		return err
	}

	scans, err := s.units.ListScans(ctx, d.UnitID)
	if err != nil {
		return err
	}
	sug, err := s.assessor.Suggest(liability.Input{DisputeType: string(d.Type), Scans: scans, ReportedAt: s.now()})
	if err != nil {
		// a misbehaving rule must not block a claim
		s.logger.WarnContext(ctx, "liability rules failed, using custody analysis", "error", err)
		sug = liability.Custody(liability.Input{DisputeType: string(d.Type), Scans: scans})
	}

	now := s.now()
	d.Status = StatusOpen
	d.SuggestedLiability = sug.Party
	d.SuggestionReason = sug.Reason
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := s.repo.CreateDispute(ctx, d); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "dispute opened",
		"dispute_id", d.ID, "unit_id", d.UnitID, "auto", d.AutoCreated, "suggested", d.SuggestedLiability)
	events.Emit(ctx, s.publisher, events.New(events.DisputeOpened, d.ID, d))
	return nil
}

// checkParty hides units p has no stake in, so a stranger cannot hold the
// unit's single open dispute.
func (s *Service) checkParty(ctx context.Context, p auth.Principal, u *shipment.Unit) error {
	sh, err := s.units.GetShipment(ctx, u.ShipmentID)
	if err != nil && !errcode.Has(err, errcode.NotFound) {
		return err
	}
	scans, err := s.units.ListScans(ctx, u.ID)
	if err != nil {
		return err
	}
	if !shipment.IsParty(p, sh, scans) {
		return shipment.ErrUnitNotFound
	}
	return nil
}

func (s *Service) checkPhotos(ctx context.Context, unitID string, ids []string) error {
	photos, err := s.units.ListPhotos(ctx, unitID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(photos))
	for _, p := range photos {
		if p.Kind == shipment.KindPhoto {
			known[p.ID] = true
		}
	}
	for _, id := range ids {
		if !known[id] {
			return errcode.Newf(errcode.ValidationFailed, "photo %s does not belong to unit %s", id, unitID)
		}
	}
	return nil
}

// canView reports whether p may see d: admins, the reporter, and the
// shipper or carrier company of the shipment.
func canView(p auth.Principal, d *Dispute) bool {
	if auth.IsAdmin(p) || p.GetID() == d.ReporterID {
		return true
	}
	c := p.GetCompanyID()
	return c != "" && (c == d.ShipperID || c == d.CarrierID)
}

// Get returns a dispute visible to p.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Dispute, error) {
	d, err := s.repo.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(p, d) {
		return nil, ErrNotFound
	}
	return d, nil
}

// ListMine lists disputes reported by p.
func (s *Service) ListMine(ctx context.Context, p auth.Principal, page, limit int) ([]*Dispute, int, error) {
	return s.repo.ListDisputes(ctx, Filter{ReporterID: p.GetID(), Page: page, Limit: limit})
}

// ListAll lists every dispute, optionally by status. ADMIN only.
func (s *Service) ListAll(ctx context.Context, p auth.Principal, status Status, page, limit int) ([]*Dispute, int, error) {
	if !auth.IsAdmin(p) {
		return nil, 0, ErrUnauthorizedRole
	}
	if status != "" {
		if _, ok := ParseStatus(string(status)); !ok {
			return nil, 0, errcode.Newf(errcode.ValidationFailed, "unknown dispute status %q", status)
		}
	}
	return s.repo.ListDisputes(ctx, Filter{Status: status, Page: page, Limit: limit})
}

// AdvanceStatus moves a dispute one step forward. Entering
// EVIDENCE_COMPLETE freezes the evidence snapshot. RESOLVED is only reached
// through Resolve, which carries the decision.
func (s *Service) AdvanceStatus(ctx context.Context, p auth.Principal, id string, to Status) (*Dispute, error) {
	if !auth.IsAdmin(p) {
		return nil, ErrUnauthorizedRole
	}
	d, err := s.repo.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrResolved
	}
	if to == StatusResolved {
		return nil, errcode.New(errcode.InvalidTransition, "resolving requires a decision; use the resolve endpoint")
	}
	if !CanTransition(p.GetRole(), d.Status, to) {
		return nil, ErrInvalidTransition
	}

	expected := d.Version
	from := d.Status
	if to == StatusEvidenceComplete {
		if err := s.freeze(ctx, d); err != nil {
			return nil, err
		}
	}
	d.Status = to
	d.UpdatedAt = s.now()
	if err := s.repo.UpdateDispute(ctx, d, expected); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dispute status changed", "dispute_id", d.ID, "from", from, "to", to, "by", p.GetID())
	events.Emit(ctx, s.publisher, events.New(events.DisputeStatusChanged, d.ID, map[string]any{
		"from": from, "to": to, "by": p.GetID(),
	}))
	return d, nil
}

// ResolveRequest is the admin's decision as submitted.
type ResolveRequest struct {
	FinalLiability string           `json:"final_liability"`
	Compensation   *decimal.Decimal `json:"compensation,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	RatingImpact   *int             `json:"rating_impact,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// Resolve closes a dispute with a decision. It is allowed from any
// non-terminal status and freezes evidence if that has not happened yet.
func (s *Service) Resolve(ctx context.Context, p auth.Principal, id string, req ResolveRequest) (*Dispute, error) {
	if !auth.IsAdmin(p) {
		return nil, ErrUnauthorizedRole
	}
	party, ok := liability.ParseParty(req.FinalLiability)
	if !ok {
		return nil, ErrInvalidLiability
	}
	comp := decimal.Zero
	if req.Compensation != nil {
		comp = *req.Compensation
		if comp.IsNegative() {
			return nil, errcode.New(errcode.ValidationFailed, "compensation must not be negative")
		}
	}
	if req.RatingImpact != nil && (*req.RatingImpact < MinRatingImpact || *req.RatingImpact > MaxRatingImpact) {
		return nil, errcode.Newf(errcode.ValidationFailed, "rating impact must be between %d and %d", MinRatingImpact, MaxRatingImpact)
	}

	d, err := s.repo.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrResolved
	}

	expected := d.Version
	if !d.EvidenceFrozen() {
		if err := s.freeze(ctx, d); err != nil {
			return nil, err
		}
	}
	now := s.now()
	currency := req.Currency
	if currency == "" {
		currency = "EUR"
	}
	d.Resolution = &Resolution{
		FinalLiability: party,
		Compensation:   comp.Round(2),
		Currency:       currency,
		RatingImpact:   req.RatingImpact,
		Notes:          shipment.CleanText(req.Notes),
		ResolvedBy:     p.GetID(),
		ResolvedAt:     now,
	}
	d.Status = StatusResolved
	d.UpdatedAt = now
	if err := s.repo.UpdateDispute(ctx, d, expected); err != nil {
		return nil, err
	}

	if s.ratings != nil && req.RatingImpact != nil && party == liability.Carrier && d.CarrierID != "" {
		if err := s.ratings.AdjustCarrierRating(ctx, d.CarrierID, *req.RatingImpact); err != nil {
			s.logger.WarnContext(ctx, "carrier rating adjustment failed", "carrier_id", d.CarrierID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "dispute resolved", "dispute_id", d.ID, "liability", party, "by", p.GetID())
	events.Emit(ctx, s.publisher, events.New(events.DisputeResolved, d.ID, d.Resolution))
	return d, nil
}

// freeze takes the evidence snapshot once.
func (s *Service) freeze(ctx context.Context, d *Dispute) error {
	if d.EvidenceFrozen() {
		return nil
	}
	unit, err := s.units.GetUnit(ctx, d.UnitID)
	if err != nil {
		return err
	}
	scans, err := s.units.ListScans(ctx, d.UnitID)
	if err != nil {
		return err
	}
	photos, err := s.units.ListPhotos(ctx, d.UnitID)
	if err != nil {
		return err
	}
	snap := evidence.Build(unit, scans, photos, s.now())
	if err := evidence.Seal(snap); err != nil {
		return fmt.Errorf("seal evidence: %w", err)
	}
	d.Evidence = snap
	return nil
}

// AddComment appends a comment. Only admins may post internal comments.
func (s *Service) AddComment(ctx context.Context, p auth.Principal, id, body string, internal bool) (*Comment, error) {
	body = shipment.CleanText(body)
	if body == "" {
		return nil, errcode.New(errcode.ValidationFailed, "comment body is required")
	}
	if internal && !auth.IsAdmin(p) {
		return nil, ErrUnauthorizedRole
	}
	d, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !CanComment(d.Status) {
		return nil, ErrCommentsLocked
	}
	c := &Comment{
		ID:         uuid.NewString(),
		DisputeID:  d.ID,
		AuthorID:   p.GetID(),
		AuthorName: p.GetName(),
		AuthorRole: string(p.GetRole()),
		Body:       body,
		IsInternal: internal,
		CreatedAt:  s.now(),
	}
	if err := s.repo.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Comments lists comments visible to p.
func (s *Service) Comments(ctx context.Context, p auth.Principal, id string) ([]*Comment, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return s.repo.ListComments(ctx, id, auth.IsAdmin(p))
}
