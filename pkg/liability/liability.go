// Package liability suggests which party is responsible for a disputed unit.
// The suggestion comes from custody analysis over the unit's scan history and
// can be overridden by CEL rules loaded from the rules profile.
package liability

import (
	"time"

	"github.com/vectornode/vectornode/pkg/shipment"
)

// Party is a liable party.
type Party string

const (
	Carrier   Party = "CARRIER"
	Warehouse Party = "WAREHOUSE"
	Client    Party = "CLIENT"
	Shipper   Party = "SHIPPER"
	Unknown   Party = "UNKNOWN"
)

// Parties lists the fixed liability taxonomy.
var Parties = []Party{Carrier, Warehouse, Client, Shipper, Unknown}

// ParseParty returns the Party named by s.
func ParseParty(s string) (Party, bool) {
	for _, p := range Parties {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Input is what an assessment looks at.
type Input struct {
	DisputeType string
	Scans       []*shipment.ScanLog
	ReportedAt  time.Time
}

// Suggestion is the outcome of an assessment.
type Suggestion struct {
	Party  Party  `json:"party"`
	Reason string `json:"reason"`
	// Rule names the override rule that fired, if any.
	Rule string `json:"rule,omitempty"`
}

// custodian maps a unit status to the party holding custody in it.
func custodian(s shipment.UnitStatus) Party {
	switch s {
	case shipment.StatusCreated:
		return Shipper
	case shipment.StatusPickedUp, shipment.StatusInTransit:
		return Carrier
	case shipment.StatusInWarehouse, shipment.StatusOutWarehouse:
		return Warehouse
	case shipment.StatusDelivered:
		return Client
	default:
		return Unknown
	}
}

// Custody suggests a party from the scan history alone. The party holding
// custody between the last clean scan and the first damage-flagged scan is
// responsible; damage noted at pickup stays with the shipper.
func Custody(in Input) Suggestion {
	if len(in.Scans) == 0 {
		return Suggestion{Party: Unknown, Reason: "no scan history"}
	}
	for _, s := range in.Scans {
		if !s.DamageFlagged {
			continue
		}
		if s.Action == shipment.ActionPickup {
			return Suggestion{Party: Shipper, Reason: "damage recorded at pickup"}
		}
		p := custodian(s.PreviousStatus)
		return Suggestion{Party: p, Reason: "damage recorded while " + string(s.PreviousStatus)}
	}
	last := in.Scans[len(in.Scans)-1]
	if last.NewStatus == shipment.StatusDelivered {
		if in.DisputeType == "LATE_DELIVERY" {
			return Suggestion{Party: Carrier, Reason: "late delivery"}
		}
		return Suggestion{Party: Client, Reason: "clean delivery scan before report"}
	}
	return Suggestion{Party: custodian(last.NewStatus), Reason: "custody at report time: " + string(last.NewStatus)}
}

// Facts flattens an Input into the variables rules are evaluated over.
func Facts(in Input) map[string]any {
	lastStatus := ""
	damageAction := ""
	hasPOD := false
	for _, s := range in.Scans {
		lastStatus = string(s.NewStatus)
		if s.DamageFlagged && damageAction == "" {
			damageAction = string(s.Action)
		}
		if s.Action == shipment.ActionDelivered && s.SignatureID != "" {
			hasPOD = true
		}
	}
	return map[string]any{
		"dispute_type":  in.DisputeType,
		"last_status":   lastStatus,
		"damage_action": damageAction,
		"scans":         int64(len(in.Scans)),
		"has_pod":       hasPOD,
	}
}
