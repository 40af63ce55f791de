// Package evidence builds the frozen evidence snapshot attached to a dispute
// once evidence collection closes.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/vectornode/vectornode/pkg/shipment"
)

var ErrDigestMismatch = errors.New("evidence snapshot digest mismatch")

// PhotoRef points at an evidence blob without copying it.
type PhotoRef struct {
	ID          string                  `json:"id"`
	ScanID      string                  `json:"scan_id,omitempty"`
	Kind        shipment.AttachmentKind `json:"kind"`
	Digest      string                  `json:"digest"`
	ContentType string                  `json:"content_type"`
	CreatedAt   time.Time               `json:"created_at"`
}

// TimelineEntry is one human-readable step of the unit's custody history.
type TimelineEntry struct {
	At            time.Time           `json:"at"`
	Action        shipment.Action     `json:"action"`
	Status        shipment.UnitStatus `json:"status"`
	Actor         string              `json:"actor"`
	ActorRole     string              `json:"actor_role"`
	DamageFlagged bool                `json:"damage_flagged"`
	Photos        int                 `json:"photos"`
}

// ProofOfDelivery holds what was captured at the DELIVERED scan.
type ProofOfDelivery struct {
	RecipientName   string    `json:"recipient_name"`
	SignatureID     string    `json:"signature_id"`
	SignatureDigest string    `json:"signature_digest,omitempty"`
	DeliveredAt     time.Time `json:"delivered_at"`
}

// Snapshot is a frozen copy of a unit's scan logs, photos, timeline and POD.
type Snapshot struct {
	UnitID          string              `json:"unit_id"`
	ShipmentID      string              `json:"shipment_id"`
	StatusAtFreeze  shipment.UnitStatus `json:"status_at_freeze"`
	Scans           []*shipment.ScanLog `json:"scans"`
	Photos          []PhotoRef          `json:"photos"`
	Timeline        []TimelineEntry     `json:"timeline"`
	ProofOfDelivery *ProofOfDelivery    `json:"proof_of_delivery,omitempty"`
	ChainHead       string              `json:"chain_head"`
	ChainValid      bool                `json:"chain_valid"`
	FrozenAt        time.Time           `json:"frozen_at"`
	Digest          string              `json:"digest,omitempty"`
}

// Build assembles a snapshot of unit as of frozenAt. It does not seal it.
func Build(unit *shipment.Unit, scans []*shipment.ScanLog, photos []*shipment.Photo, frozenAt time.Time) *Snapshot {
	s := &Snapshot{
		UnitID:         unit.ID,
		ShipmentID:     unit.ShipmentID,
		StatusAtFreeze: unit.Status,
		Scans:          scans,
		Photos:         make([]PhotoRef, 0, len(photos)),
		Timeline:       make([]TimelineEntry, 0, len(scans)),
		ChainHead:      shipment.Head(scans),
		ChainValid:     shipment.VerifyChain(scans) == nil,
		FrozenAt:       frozenAt.UTC(),
	}
	if s.Scans == nil {
		s.Scans = []*shipment.ScanLog{}
	}

	digests := make(map[string]string, len(photos))
	for _, p := range photos {
		digests[p.ID] = p.Digest
		s.Photos = append(s.Photos, PhotoRef{
			ID:          p.ID,
			ScanID:      p.ScanID,
			Kind:        p.Kind,
			Digest:      p.Digest,
			ContentType: p.ContentType,
			CreatedAt:   p.CreatedAt.UTC(),
		})
	}

	for _, l := range scans {
		actor := l.ActorName
		if actor == "" {
			actor = l.ActorID
		}
		s.Timeline = append(s.Timeline, TimelineEntry{
			At:            l.Timestamp.UTC(),
			Action:        l.Action,
			Status:        l.NewStatus,
			Actor:         actor,
			ActorRole:     l.ActorRole,
			DamageFlagged: l.DamageFlagged,
			Photos:        len(l.PhotoIDs),
		})
		if l.Action == shipment.ActionDelivered {
			s.ProofOfDelivery = &ProofOfDelivery{
				RecipientName:   l.RecipientName,
				SignatureID:     l.SignatureID,
				SignatureDigest: digests[l.SignatureID],
				DeliveredAt:     l.Timestamp.UTC(),
			}
		}
	}
	return s
}

// ComputeDigest returns the sha256 digest of the snapshot's canonical JSON, without Digest.
func ComputeDigest(s *Snapshot) (string, error) {
	cp := *s
	cp.Digest = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Seal records the snapshot's digest.
func Seal(s *Snapshot) error {
	d, err := ComputeDigest(s)
	if err != nil {
		return err
	}
	s.Digest = d
	return nil
}

// Verify recomputes the digest and compares it with the recorded one.
func Verify(s *Snapshot) error {
	if s.Digest == "" {
		return fmt.Errorf("%w: snapshot is not sealed", ErrDigestMismatch)
	}
	d, err := ComputeDigest(s)
	if err != nil {
		return err
	}
	if d != s.Digest {
		return ErrDigestMismatch
	}
	return nil
}
