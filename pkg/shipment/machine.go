package shipment

import (
	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/errcode"
)

var (
	ErrInvalidTransition = errcode.New(errcode.InvalidTransition, "action is not allowed from the unit's current status")
	ErrUnauthorizedRole  = errcode.New(errcode.UnauthorizedRole, "role may not perform this action")
	ErrUnitNotFound      = errcode.New(errcode.NotFound, "unit not found")
	ErrShipmentNotFound  = errcode.New(errcode.NotFound, "shipment not found")
	ErrPhotoNotFound     = errcode.New(errcode.NotFound, "photo not found")
	// ErrScanConflict is returned when another scan changed the unit first.
	ErrScanConflict = errcode.New(errcode.ScanConflict, "unit was scanned concurrently, reload and retry")
)

// transitions maps an action to the statuses it may start from and the status it
// produces. DAMAGE is handled separately since it leaves the status unchanged.
var transitions = map[Action]struct {
	from []UnitStatus
	to   UnitStatus
}{
	ActionPickup:       {from: []UnitStatus{StatusCreated}, to: StatusPickedUp},
	ActionWarehouseIn:  {from: []UnitStatus{StatusPickedUp}, to: StatusInWarehouse},
	ActionWarehouseOut: {from: []UnitStatus{StatusInWarehouse}, to: StatusOutWarehouse},
	ActionInTransit:    {from: []UnitStatus{StatusOutWarehouse, StatusPickedUp}, to: StatusInTransit},
	ActionDelivered:    {from: []UnitStatus{StatusInTransit}, to: StatusDelivered},
}

// actionRoles lists the non-admin roles allowed to perform each action.
var actionRoles = map[Action][]auth.Role{
	ActionPickup:       {auth.RoleDriver, auth.RoleCarrier},
	ActionDelivered:    {auth.RoleDriver, auth.RoleCarrier},
	ActionWarehouseIn:  {auth.RoleWarehouse},
	ActionWarehouseOut: {auth.RoleWarehouse},
	ActionInTransit:    {auth.RoleDriver, auth.RoleCarrier, auth.RoleWarehouse},
	ActionDamage:       {auth.RoleDriver, auth.RoleCarrier, auth.RoleWarehouse},
}

// Next returns the status a unit moves to when action is applied in status.
func Next(status UnitStatus, action Action) (UnitStatus, error) {
	if status == StatusDelivered {
		return status, ErrInvalidTransition
	}
	if action == ActionDamage {
		if !status.Valid() {
			return status, ErrInvalidTransition
		}
		return status, nil
	}
	t, ok := transitions[action]
	if !ok {
		return status, ErrInvalidTransition
	}
	for _, from := range t.from {
		if from == status {
			return t.to, nil
		}
	}
	return status, ErrInvalidTransition
}

// CanPerform reports whether role may perform action at all.
func CanPerform(role auth.Role, action Action) bool {
	if role == auth.RoleAdmin {
		_, ok := actionRoles[action]
		return ok
	}
	for _, r := range actionRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}

// AllowedActions returns, in offer order, the actions role may perform on a
// unit in status.
func AllowedActions(status UnitStatus, role auth.Role) []Action {
	out := make([]Action, 0, 2)
	for _, a := range Actions {
		if !CanPerform(role, a) {
			continue
		}
		if _, err := Next(status, a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// Authorize checks role and transition legality together, role first.
func Authorize(status UnitStatus, role auth.Role, action Action) (UnitStatus, error) {
	if !CanPerform(role, action) {
		return status, ErrUnauthorizedRole
	}
	return Next(status, action)
}

// DeriveShipmentStatus computes the marketplace status of a shipment from its units.
func DeriveShipmentStatus(s *Shipment) ShipmentStatus {
	if len(s.Units) == 0 {
		if s.CarrierID != "" {
			return ShipmentAssigned
		}
		return ShipmentOpen
	}
	delivered, scanned := 0, 0
	for _, u := range s.Units {
		if u.Status == StatusDelivered {
			delivered++
		}
		if u.Scanned() {
			scanned++
		}
	}
	switch {
	case delivered == len(s.Units):
		return ShipmentCompleted
	case scanned > 0:
		return ShipmentInProgress
	case s.CarrierID != "":
		return ShipmentAssigned
	default:
		return ShipmentOpen
	}
}
