package scanflow

import (
	"golang.org/x/text/language"

	"github.com/vectornode/vectornode/pkg/shipment"
)

var labels = map[shipment.Action][2]string{
	shipment.ActionPickup:       {"Konfirmo Marrjen", "Confirm pickup"},
	shipment.ActionWarehouseIn:  {"Pranim në Magazinë", "Warehouse inbound"},
	shipment.ActionWarehouseOut: {"Dalje nga Magazina", "Warehouse outbound"},
	shipment.ActionInTransit:    {"Dorëzo te Automjeti", "Hand over to vehicle"},
	shipment.ActionDelivered:    {"Konfirmo Dorëzimin", "Confirm delivery"},
	shipment.ActionDamage:       {"Raporto Dëm", "Report damage"},
}

// Label returns the button text for an action.
func Label(a shipment.Action, lang language.Tag) string {
	l, ok := labels[a]
	if !ok {
		return string(a)
	}
	if base, _ := lang.Base(); base.String() == "en" {
		return l[1]
	}
	return l[0]
}
