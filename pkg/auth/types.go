package auth

// Role is the marketplace role a principal acts under.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleShipper   Role = "SHIPPER"
	RoleCarrier   Role = "CARRIER"
	RoleDriver    Role = "DRIVER"
	RoleWarehouse Role = "WAREHOUSE"
	RoleClient    Role = "CLIENT"
)

// Roles lists every known role in display order.
var Roles = []Role{RoleAdmin, RoleShipper, RoleCarrier, RoleDriver, RoleWarehouse, RoleClient}

// ParseRole returns the Role named by s, or false if s is not a known role.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Principal is the interface for any entity making a request (user, driver device, system).
type Principal interface {
	GetID() string
	GetName() string
	GetRole() Role
	// GetCompanyID returns the carrier, shipper or warehouse company the principal acts for.
	GetCompanyID() string
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID        string
	Name      string
	Role      Role
	CompanyID string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetName() string {
	return b.Name
}

func (b *BasePrincipal) GetRole() Role {
	return b.Role
}

func (b *BasePrincipal) GetCompanyID() string {
	return b.CompanyID
}

// System is the principal used for server-initiated actions such as
// disputes opened automatically from damage scans.
var System Principal = &BasePrincipal{ID: "system", Name: "VectorNode", Role: RoleAdmin}

// IsAdmin reports whether p acts with the ADMIN role.
func IsAdmin(p Principal) bool {
	return p != nil && p.GetRole() == RoleAdmin
}

// HasRole reports whether p holds any of the given roles.
func HasRole(p Principal, roles ...Role) bool {
	if p == nil {
		return false
	}
	for _, r := range roles {
		if p.GetRole() == r {
			return true
		}
	}
	return false
}
