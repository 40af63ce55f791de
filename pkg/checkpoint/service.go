// Package checkpoint runs QR checkpoint scans: it resolves a label token to
// its unit, offers the actions the caller may perform, collects evidence
// uploads and commits validated scans to the hash-chained scan log.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vectornode/vectornode/pkg/artifacts"
	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/events"
	"github.com/vectornode/vectornode/pkg/limiter"
	"github.com/vectornode/vectornode/pkg/qrtoken"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// Repository is the persistence the scan flow needs.
type Repository interface {
	GetUnit(ctx context.Context, id string) (*shipment.Unit, error)
	GetShipment(ctx context.Context, id string) (*shipment.Shipment, error)
	ListScans(ctx context.Context, unitID string) ([]*shipment.ScanLog, error)
	ListPhotos(ctx context.Context, unitID string) ([]*shipment.Photo, error)
	GetPhoto(ctx context.Context, id string) (*shipment.Photo, error)
	InsertPhoto(ctx context.Context, p *shipment.Photo) error
	// ApplyScan commits the unit update and the sealed log entry atomically,
	// or returns shipment.ErrScanConflict when expectedVersion is stale.
	ApplyScan(ctx context.Context, u *shipment.Unit, expectedVersion int64, l *shipment.ScanLog) error
}

// DisputeOpener opens a dispute for a damage-flagged scan.
type DisputeOpener interface {
	AutoOpen(ctx context.Context, unit *shipment.Unit, scan *shipment.ScanLog) (*dispute.Dispute, bool, error)
}

// Options configures a Service.
type Options struct {
	Artifacts  artifacts.Store
	Disputes   DisputeOpener
	Publisher  events.Publisher
	Limiter    limiter.Store
	ScanPolicy limiter.Policy
	// MaxUploadBytes bounds a single photo or signature.
	MaxUploadBytes int64
	// HistoryLimit bounds the scans returned by Resolve.
	HistoryLimit int
	Clock        func() time.Time
	Logger       *slog.Logger
}

// DefaultMaxUploadBytes is the per-file upload limit.
const DefaultMaxUploadBytes = 10 << 20

// Service implements the checkpoint operations.
type Service struct {
	repo      Repository
	tokens    *qrtoken.Registry
	blobs     artifacts.Store
	disputes  DisputeOpener
	publisher events.Publisher
	limiter   limiter.Store
	policy    limiter.Policy
	maxUpload int64
	history   int
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, tokens *qrtoken.Registry, opts Options) *Service {
	s := &Service{
		repo:      repo,
		tokens:    tokens,
		blobs:     opts.Artifacts,
		disputes:  opts.Disputes,
		publisher: opts.Publisher,
		limiter:   opts.Limiter,
		policy:    opts.ScanPolicy,
		maxUpload: opts.MaxUploadBytes,
		history:   opts.HistoryLimit,
		now:       opts.Clock,
		logger:    opts.Logger,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}
	if s.history <= 0 {
		s.history = 10
	}
	if s.now == nil {
		s.now = shipment.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "checkpoint")
	return s
}

// ShipmentSummary is the part of a shipment shown on a scan screen.
type ShipmentSummary struct {
	ID          string                  `json:"id"`
	Reference   string                  `json:"reference"`
	Origin      string                  `json:"origin"`
	Destination string                  `json:"destination"`
	Status      shipment.ShipmentStatus `json:"status"`
}

// TokenInfo is what a scanner sees after reading a label.
type TokenInfo struct {
	Unit     *shipment.Unit      `json:"unit"`
	Shipment *ShipmentSummary    `json:"shipment,omitempty"`
	History  []*shipment.ScanLog `json:"history"`
}

// resolve maps an ACTIVE token to its unit. A binding that is still ACTIVE
// but no longer the unit's current token counts as used.
func (s *Service) resolve(ctx context.Context, token string) (*shipment.Unit, error) {
	b, err := s.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.GetUnit(ctx, b.UnitID)
	if err != nil {
		if errors.Is(err, shipment.ErrUnitNotFound) {
			return nil, qrtoken.ErrInvalidToken
		}
		return nil, err
	}
	if u.Status == shipment.StatusDelivered {
		return nil, qrtoken.ErrExpired
	}
	if u.QRToken != token {
		return nil, qrtoken.ErrTokenUsed
	}
	return u, nil
}

func public(u *shipment.Unit) *shipment.Unit {
	cp := *u
	cp.QRToken = ""
	return &cp
}

// Resolve returns the unit behind token with its shipment and recent scans.
func (s *Service) Resolve(ctx context.Context, token string) (*TokenInfo, error) {
	u, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	info := &TokenInfo{Unit: public(u)}
	if sh, err := s.repo.GetShipment(ctx, u.ShipmentID); err == nil {
		info.Shipment = &ShipmentSummary{
			ID: sh.ID, Reference: sh.Reference, Origin: sh.Origin, Destination: sh.Destination, Status: sh.Status,
		}
	} else if !errcode.Has(err, errcode.NotFound) {
		return nil, err
	}
	scans, err := s.repo.ListScans(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if len(scans) > s.history {
		scans = scans[len(scans)-s.history:]
	}
	info.History = scans
	if info.History == nil {
		info.History = []*shipment.ScanLog{}
	}
	return info, nil
}

// Actions lists what p may do to the unit behind token right now.
func (s *Service) Actions(ctx context.Context, p auth.Principal, token string) ([]shipment.Action, error) {
	u, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	actions := shipment.AllowedActions(u.Status, p.GetRole())
	if actions == nil {
		actions = []shipment.Action{}
	}
	return actions, nil
}

// ScanResult is the outcome of a committed scan.
type ScanResult struct {
	Scan *shipment.ScanLog `json:"scan"`
	Unit *shipment.Unit    `json:"unit"`
	// NextToken replaces the scanned token; empty once the unit is delivered.
	NextToken string `json:"next_token,omitempty"`
	DisputeID string `json:"dispute_id,omitempty"`
}

// Scan validates and commits a checkpoint scan.
func (s *Service) Scan(ctx context.Context, p auth.Principal, req shipment.ScanRequest) (*ScanResult, error) {
	if err := limiter.Check(ctx, s.limiter, "scan:"+p.GetID(), s.policy); err != nil {
		return nil, err
	}
	req.Normalize()
	if _, ok := shipment.ParseAction(string(req.Action)); !ok {
		return nil, errcode.Newf(errcode.ValidationFailed, "unknown action %q", req.Action)
	}
	if req.Location != nil && !validLocation(req.Location) {
		// location is best effort
		req.Location = nil
	}

	u, err := s.resolve(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	next, err := shipment.Authorize(u.Status, p.GetRole(), req.Action)
	if err != nil {
		return nil, err
	}
	if err := shipment.ValidateEvidence(&req); err != nil {
		return nil, err
	}
	if err := s.checkAttachments(ctx, u.ID, &req); err != nil {
		return nil, err
	}

	now := s.now()
	log := &shipment.ScanLog{
		ID:                uuid.NewString(),
		UnitID:            u.ID,
		Action:            req.Action,
		PreviousStatus:    u.Status,
		NewStatus:         next,
		ActorID:           p.GetID(),
		ActorRole:         string(p.GetRole()),
		ActorName:         p.GetName(),
		Timestamp:         now,
		Location:          req.Location,
		DamageFlagged:     req.DamageFlagged(),
		DamageDescription: req.DamageDescription,
		Quantity:          req.Quantity,
		VehiclePlate:      req.VehiclePlate,
		RecipientName:     req.RecipientName,
		SignatureID:       req.SignatureID,
		PhotoIDs:          req.PhotoIDs,
	}

	final := next == shipment.StatusDelivered
	nextToken := ""
	if !final {
		// bound before commit; until the unit row points at it the binding
		// resolves as used
		if nextToken, err = s.tokens.Issue(ctx, u.ID); err != nil {
			return nil, fmt.Errorf("issue next token: %w", err)
		}
	}

	expected := u.Version
	oldToken := u.QRToken
	updated := *u
	updated.Status = next
	updated.QRToken = nextToken
	updated.UpdatedAt = now
	if final {
		updated.DeliveredAt = &now
		updated.RecipientName = req.RecipientName
		updated.SignatureID = req.SignatureID
	}
	if err := s.repo.ApplyScan(ctx, &updated, expected, log); err != nil {
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, oldToken, "", u.ID, final); err != nil {
		// the unit row no longer points at the old token, so it cannot be reused
		s.logger.ErrorContext(ctx, "retire scanned token", "unit_id", u.ID, "error", err)
	}

	s.logger.InfoContext(ctx, "unit scanned",
		"unit_id", u.ID, "action", req.Action, "from", log.PreviousStatus, "to", log.NewStatus,
		"actor_id", p.GetID(), "sequence", log.Sequence)
	events.Emit(ctx, s.publisher, events.New(events.UnitScanned, u.ID, log))

	res := &ScanResult{Scan: log, Unit: public(&updated), NextToken: nextToken}
	if log.DamageFlagged && s.disputes != nil {
		d, created, err := s.disputes.AutoOpen(ctx, &updated, log)
		switch {
		case err != nil:
			s.logger.ErrorContext(ctx, "auto-open dispute failed", "unit_id", u.ID, "scan_id", log.ID, "error", err)
		default:
			res.DisputeID = d.ID
			if !created {
				s.logger.InfoContext(ctx, "damage scan joined open dispute", "dispute_id", d.ID, "scan_id", log.ID)
			}
		}
	}
	return res, nil
}

func validLocation(g *shipment.GeoPoint) bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lng >= -180 && g.Lng <= 180 && g.Accuracy >= 0
}

// checkAttachments verifies every referenced upload belongs to the unit,
// has the right kind and is not already part of another scan.
func (s *Service) checkAttachments(ctx context.Context, unitID string, req *shipment.ScanRequest) error {
	seen := make(map[string]bool, len(req.PhotoIDs))
	for _, id := range req.PhotoIDs {
		if seen[id] {
			return errcode.Newf(errcode.ValidationFailed, "photo %s referenced twice", id)
		}
		seen[id] = true
		if err := s.checkAttachment(ctx, unitID, id, shipment.KindPhoto); err != nil {
			return err
		}
	}
	if req.SignatureID != "" {
		return s.checkAttachment(ctx, unitID, req.SignatureID, shipment.KindSignature)
	}
	return nil
}

func (s *Service) checkAttachment(ctx context.Context, unitID, id string, kind shipment.AttachmentKind) error {
	ph, err := s.repo.GetPhoto(ctx, id)
	if err != nil {
		if errors.Is(err, shipment.ErrPhotoNotFound) {
			return errcode.Newf(errcode.ValidationFailed, "%s %s was not uploaded", kindName(kind), id)
		}
		return err
	}
	if ph.UnitID != unitID || ph.Kind != kind {
		return errcode.Newf(errcode.ValidationFailed, "%s %s does not belong to this unit", kindName(kind), id)
	}
	if ph.ScanID != "" {
		return errcode.Newf(errcode.ValidationFailed, "%s %s is already part of a scan", kindName(kind), id)
	}
	return nil
}

func kindName(k shipment.AttachmentKind) string {
	if k == shipment.KindSignature {
		return "signature"
	}
	return "photo"
}

// History is a unit's full scan log with its chain status.
type History struct {
	UnitID     string              `json:"unit_id"`
	Scans      []*shipment.ScanLog `json:"scans"`
	ChainHead  string              `json:"chain_head"`
	ChainValid bool                `json:"chain_valid"`
	ChainError string              `json:"chain_error,omitempty"`
}

// History returns the unit's scan log and verifies its chain.
// Units p has no stake in read as not found.
func (s *Service) History(ctx context.Context, p auth.Principal, unitID string) (*History, error) {
	_, scans, err := s.partyUnit(ctx, p, unitID)
	if err != nil {
		return nil, err
	}
	h := &History{UnitID: unitID, Scans: scans, ChainHead: shipment.Head(scans), ChainValid: true}
	if h.Scans == nil {
		h.Scans = []*shipment.ScanLog{}
	}
	if err := shipment.VerifyChain(scans); err != nil {
		h.ChainValid = false
		h.ChainError = err.Error()
	}
	return h, nil
}

// partyUnit loads a unit and its scan log on behalf of one of its parties.
func (s *Service) partyUnit(ctx context.Context, p auth.Principal, unitID string) (*shipment.Unit, []*shipment.ScanLog, error) {
	u, err := s.repo.GetUnit(ctx, unitID)
	if err != nil {
		return nil, nil, err
	}
	sh, err := s.repo.GetShipment(ctx, u.ShipmentID)
	if err != nil && !errcode.Has(err, errcode.NotFound) {
		return nil, nil, err
	}
	scans, err := s.repo.ListScans(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	if !shipment.IsParty(p, sh, scans) {
		return nil, nil, shipment.ErrUnitNotFound
	}
	return u, scans, nil
}

// VerifyHistory returns shipment.ErrChainBroken if the unit's log was altered.
func (s *Service) VerifyHistory(ctx context.Context, unitID string) error {
	scans, err := s.repo.ListScans(ctx, unitID)
	if err != nil {
		return err
	}
	if err := shipment.VerifyChain(scans); err != nil {
		s.logger.WarnContext(ctx, "scan chain verification failed", "unit_id", unitID, "error", err)
		return err
	}
	return nil
}
