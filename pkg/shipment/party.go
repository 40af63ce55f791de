package shipment

import "github.com/vectornode/vectornode/pkg/auth"

// IsParty reports whether p has a stake in a unit of sh: admins, the
// shipper and carrier companies, the consignee, and anyone who scanned the
// unit while it was in their custody.
func IsParty(p auth.Principal, sh *Shipment, scans []*ScanLog) bool {
	if p == nil || p.GetID() == "" {
		return false
	}
	if auth.IsAdmin(p) {
		return true
	}
	if sh != nil {
		for _, id := range []string{p.GetCompanyID(), p.GetID()} {
			if id != "" && (id == sh.ShipperID || id == sh.CarrierID || id == sh.ClientID) {
				return true
			}
		}
	}
	for _, l := range scans {
		if l.ActorID == p.GetID() {
			return true
		}
	}
	return false
}
