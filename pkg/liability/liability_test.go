package liability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/shipment"
)

func scan(a shipment.Action, from, to shipment.UnitStatus, damage bool) *shipment.ScanLog {
	return &shipment.ScanLog{Action: a, PreviousStatus: from, NewStatus: to, DamageFlagged: damage}
}

var (
	pickup   = scan(shipment.ActionPickup, shipment.StatusCreated, shipment.StatusPickedUp, false)
	whIn     = scan(shipment.ActionWarehouseIn, shipment.StatusPickedUp, shipment.StatusInWarehouse, false)
	whOut    = scan(shipment.ActionWarehouseOut, shipment.StatusInWarehouse, shipment.StatusOutWarehouse, false)
	handover = scan(shipment.ActionInTransit, shipment.StatusOutWarehouse, shipment.StatusInTransit, false)
	delivery = &shipment.ScanLog{Action: shipment.ActionDelivered, PreviousStatus: shipment.StatusInTransit, NewStatus: shipment.StatusDelivered, SignatureID: "sig-1"}
)

func TestCustody(t *testing.T) {
	tests := []struct {
		name  string
		scans []*shipment.ScanLog
		typ   string
		want  Party
	}{
		{"no history", nil, "DAMAGE", Unknown},
		{"pickup damage", []*shipment.ScanLog{scan(shipment.ActionPickup, shipment.StatusCreated, shipment.StatusPickedUp, true)}, "DAMAGE", Shipper},
		{"damage in warehouse", []*shipment.ScanLog{pickup, whIn, scan(shipment.ActionDamage, shipment.StatusInWarehouse, shipment.StatusInWarehouse, true)}, "DAMAGE", Warehouse},
		{"damage out of warehouse before handover", []*shipment.ScanLog{pickup, whIn, whOut, scan(shipment.ActionDamage, shipment.StatusOutWarehouse, shipment.StatusOutWarehouse, true)}, "DAMAGE", Warehouse},
		{"damage in transit", []*shipment.ScanLog{pickup, whIn, whOut, handover, scan(shipment.ActionDamage, shipment.StatusInTransit, shipment.StatusInTransit, true)}, "DAMAGE", Carrier},
		{"damage while picked up", []*shipment.ScanLog{pickup, scan(shipment.ActionDamage, shipment.StatusPickedUp, shipment.StatusPickedUp, true)}, "DAMAGE", Carrier},
		{"clean delivery then report", []*shipment.ScanLog{pickup, handover, delivery}, "DAMAGE", Client},
		{"late delivery", []*shipment.ScanLog{pickup, handover, delivery}, "LATE_DELIVERY", Carrier},
		{"report while in warehouse", []*shipment.ScanLog{pickup, whIn}, "MISSING_ITEMS", Warehouse},
		{"first damage scan wins", []*shipment.ScanLog{pickup, whIn, scan(shipment.ActionDamage, shipment.StatusInWarehouse, shipment.StatusInWarehouse, true), handover, scan(shipment.ActionDamage, shipment.StatusInTransit, shipment.StatusInTransit, true)}, "DAMAGE", Warehouse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Custody(Input{DisputeType: tt.typ, Scans: tt.scans})
			assert.Equal(t, tt.want, got.Party)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestAssessor_RuleOverrides(t *testing.T) {
	a, err := NewAssessor([]Rule{
		{Name: "missing-with-pod", When: `dispute_type == "MISSING_ITEMS" && has_pod`, Liability: "CLIENT"},
		{Name: "warehouse-handover", When: `damage_action == "WAREHOUSE_OUT"`, Liability: "WAREHOUSE"},
		{Name: "catch-all-wrong-item", When: `dispute_type == "WRONG_ITEM" && scans > 0`, Liability: "SHIPPER"},
	})
	require.NoError(t, err)

	got, err := a.Suggest(Input{DisputeType: "MISSING_ITEMS", Scans: []*shipment.ScanLog{pickup, handover, delivery}})
	require.NoError(t, err)
	assert.Equal(t, Client, got.Party)
	assert.Equal(t, "missing-with-pod", got.Rule)

	got, err = a.Suggest(Input{DisputeType: "WRONG_ITEM", Scans: []*shipment.ScanLog{pickup, whIn}})
	require.NoError(t, err)
	assert.Equal(t, Shipper, got.Party)

	// no rule matches: custody analysis
	got, err = a.Suggest(Input{DisputeType: "DAMAGE", Scans: []*shipment.ScanLog{pickup, whIn}})
	require.NoError(t, err)
	assert.Equal(t, Warehouse, got.Party)
	assert.Empty(t, got.Rule)
}

func TestNewAssessor_RejectsBadRules(t *testing.T) {
	_, err := NewAssessor([]Rule{{Name: "syntax", When: `dispute_type ==`, Liability: "CARRIER"}})
	assert.ErrorContains(t, err, "compile")

	_, err = NewAssessor([]Rule{{Name: "non-bool", When: `scans + 1`, Liability: "CARRIER"}})
	assert.ErrorContains(t, err, "boolean")

	_, err = NewAssessor([]Rule{{Name: "unknown var", When: `weather == "rain"`, Liability: "CARRIER"}})
	assert.Error(t, err)

	_, err = NewAssessor([]Rule{{Name: "bad party", When: `true`, Liability: "INSURER"}})
	assert.ErrorContains(t, err, "unknown liability")
}

func TestNilAssessorFallsBackToCustody(t *testing.T) {
	var a *Assessor
	got, err := a.Suggest(Input{})
	require.NoError(t, err)
	assert.Equal(t, Unknown, got.Party)
}

func TestFacts(t *testing.T) {
	damage := scan(shipment.ActionDamage, shipment.StatusInTransit, shipment.StatusInTransit, true)
	f := Facts(Input{DisputeType: "DAMAGE", Scans: []*shipment.ScanLog{pickup, handover, damage, delivery}})
	assert.Equal(t, "DAMAGE", f["dispute_type"])
	assert.Equal(t, "DELIVERED", f["last_status"])
	assert.Equal(t, "DAMAGE", f["damage_action"])
	assert.Equal(t, int64(4), f["scans"])
	assert.Equal(t, true, f["has_pod"])
}
