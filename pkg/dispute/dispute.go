// Package dispute implements the damage-claim lifecycle of a shipment unit:
// OPEN → UNDER_REVIEW → EVIDENCE_COMPLETE → RESOLVED, strictly forward.
package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/evidence"
	"github.com/vectornode/vectornode/pkg/liability"
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusUnderReview      Status = "UNDER_REVIEW"
	StatusEvidenceComplete Status = "EVIDENCE_COMPLETE"
	StatusResolved         Status = "RESOLVED"
)

// Statuses lists dispute statuses in lifecycle order.
var Statuses = []Status{StatusOpen, StatusUnderReview, StatusEvidenceComplete, StatusResolved}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	for _, v := range Statuses {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Successor returns the status that follows s, or false when s is terminal.
func (s Status) Successor() (Status, bool) {
	for i, v := range Statuses {
		if v == s && i+1 < len(Statuses) {
			return Statuses[i+1], true
		}
	}
	return "", false
}

// Type classifies the claim.
type Type string

const (
	TypeDamage       Type = "DAMAGE"
	TypeMissingItems Type = "MISSING_ITEMS"
	TypeWrongItem    Type = "WRONG_ITEM"
	TypeLateDelivery Type = "LATE_DELIVERY"
)

// Types lists the dispute types in the order the wizard offers them.
var Types = []Type{TypeDamage, TypeMissingItems, TypeWrongItem, TypeLateDelivery}

// ParseType returns the Type named by s.
func ParseType(s string) (Type, bool) {
	for _, v := range Types {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Rating impact bounds applied to the liable carrier.
const (
	MinRatingImpact = -5
	MaxRatingImpact = 5
)

var (
	ErrNotFound           = errcode.New(errcode.NotFound, "dispute not found")
	ErrDeadlineExpired    = errcode.New(errcode.DeadlineExpired, "reporting window for this unit has closed")
	ErrDisputeExists      = errcode.New(errcode.DisputeExists, "an open dispute already exists for this unit")
	ErrNoPhotos           = errcode.New(errcode.NoPhotos, "at least one photo is required")
	ErrMissingDescription = errcode.New(errcode.MissingDescription, "description is required")
	ErrResolved           = errcode.New(errcode.DisputeResolved, "dispute is resolved and can no longer change")
	ErrCommentsLocked     = errcode.New(errcode.CommentsLocked, "comments are locked for this dispute")
	ErrEvidenceFrozen     = errcode.New(errcode.EvidenceFrozen, "evidence is frozen")
	ErrInvalidLiability   = errcode.New(errcode.InvalidLiability, "unknown liability party")
	ErrUnauthorizedRole   = errcode.New(errcode.UnauthorizedRole, "only administrators may do this")
	ErrInvalidTransition  = errcode.New(errcode.InvalidTransition, "disputes only move to the next status")
	ErrConflict           = errcode.New(errcode.Conflict, "dispute was modified concurrently")
)

// Resolution is the admin's final decision.
type Resolution struct {
	FinalLiability liability.Party `json:"final_liability"`
	Compensation   decimal.Decimal `json:"compensation"`
	Currency       string          `json:"currency,omitempty"`
	// RatingImpact is applied to the liable carrier's rating when set.
	RatingImpact *int      `json:"rating_impact,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	ResolvedBy   string    `json:"resolved_by"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Dispute is a damage claim tied to one shipment unit.
type Dispute struct {
	ID           string   `json:"id"`
	UnitID       string   `json:"unit_id"`
	ShipmentID   string   `json:"shipment_id"`
	ShipperID    string   `json:"shipper_id,omitempty"`
	CarrierID    string   `json:"carrier_id,omitempty"`
	ReporterID   string   `json:"reporter_id"`
	ReporterName string   `json:"reporter_name,omitempty"`
	ReporterRole string   `json:"reporter_role"`
	Type         Type     `json:"type"`
	Description  string   `json:"description"`
	PhotoIDs     []string `json:"photo_ids"`
	Status       Status   `json:"status"`

	SuggestedLiability liability.Party    `json:"suggested_liability"`
	SuggestionReason   string             `json:"suggestion_reason,omitempty"`
	Resolution         *Resolution        `json:"resolution,omitempty"`
	Evidence           *evidence.Snapshot `json:"evidence,omitempty"`

	AutoCreated  bool   `json:"auto_created"`
	SourceScanID string `json:"source_scan_id,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is a note on a dispute. Internal comments are visible to admins only.
type Comment struct {
	ID         string    `json:"id"`
	DisputeID  string    `json:"dispute_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	AuthorRole string    `json:"author_role"`
	Body       string    `json:"body"`
	IsInternal bool      `json:"is_internal"`
	CreatedAt  time.Time `json:"created_at"`
}

// CanComment reports whether comments may be added in status.
func CanComment(s Status) bool {
	return s != StatusEvidenceComplete && s != StatusResolved
}

// CanTransition reports whether role may move a dispute from one status to
// another through the status endpoint. Only ADMIN may, and only one step.
func CanTransition(role auth.Role, from, to Status) bool {
	if role != auth.RoleAdmin {
		return false
	}
	next, ok := from.Successor()
	return ok && next == to
}

// EvidenceFrozen reports whether the evidence snapshot has been taken.
func (d *Dispute) EvidenceFrozen() bool {
	return d.Evidence != nil
}
