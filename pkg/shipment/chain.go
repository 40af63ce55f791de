package shipment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Genesis is the previous hash of the first scan of every unit.
const Genesis = "genesis"

var ErrChainBroken = errors.New("scan log hash chain is broken")

// Now returns the current time at the precision every store can round-trip.
// Postgres keeps microseconds, so anything finer would break chain hashes.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ComputeHash computes the chained hash of the entry over its canonical JSON
// form, including PrevHash and excluding Hash itself.
func (l *ScanLog) ComputeHash() (string, error) {
	hashable := struct {
		ID                string     `json:"id"`
		UnitID            string     `json:"unit_id"`
		Sequence          int64      `json:"sequence"`
		Action            Action     `json:"action"`
		PreviousStatus    UnitStatus `json:"previous_status"`
		NewStatus         UnitStatus `json:"new_status"`
		ActorID           string     `json:"actor_id"`
		ActorRole         string     `json:"actor_role"`
		ActorName         string     `json:"actor_name"`
		Timestamp         string     `json:"timestamp"`
		Location          *GeoPoint  `json:"location,omitempty"`
		DamageFlagged     bool       `json:"damage_flagged"`
		DamageDescription string     `json:"damage_description,omitempty"`
		Quantity          int        `json:"quantity,omitempty"`
		VehiclePlate      string     `json:"vehicle_plate,omitempty"`
		RecipientName     string     `json:"recipient_name,omitempty"`
		SignatureID       string     `json:"signature_id,omitempty"`
		PhotoIDs          []string   `json:"photo_ids,omitempty"`
		PrevHash          string     `json:"prev_hash"`
	}{
		ID:                l.ID,
		UnitID:            l.UnitID,
		Sequence:          l.Sequence,
		Action:            l.Action,
		PreviousStatus:    l.PreviousStatus,
		NewStatus:         l.NewStatus,
		ActorID:           l.ActorID,
		ActorRole:         l.ActorRole,
		ActorName:         l.ActorName,
		Timestamp:         l.Timestamp.UTC().Format(time.RFC3339Nano),
		Location:          l.Location,
		DamageFlagged:     l.DamageFlagged,
		DamageDescription: l.DamageDescription,
		Quantity:          l.Quantity,
		VehiclePlate:      l.VehiclePlate,
		RecipientName:     l.RecipientName,
		SignatureID:       l.SignatureID,
		PhotoIDs:          l.PhotoIDs,
		PrevHash:          l.PrevHash,
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal scan log: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize scan log: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Seal links the entry to prevHash and sets its Hash.
func (l *ScanLog) Seal(prevHash string) error {
	if prevHash == "" {
		prevHash = Genesis
	}
	l.PrevHash = prevHash
	h, err := l.ComputeHash()
	if err != nil {
		return err
	}
	l.Hash = h
	return nil
}

// Head returns the hash new entries must link to.
func Head(logs []*ScanLog) string {
	if len(logs) == 0 {
		return Genesis
	}
	return logs[len(logs)-1].Hash
}

// VerifyChain checks that logs, in sequence order, form an unbroken chain
// from Genesis and that no entry was altered after sealing.
func VerifyChain(logs []*ScanLog) error {
	prev := Genesis
	for i, l := range logs {
		if l.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %q, want %q", ErrChainBroken, i, l.PrevHash, prev)
		}
		h, err := l.ComputeHash()
		if err != nil {
			return err
		}
		if h != l.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = l.Hash
	}
	return nil
}
