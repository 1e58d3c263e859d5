package contracts

// Role classifies a principal. SUPER_ADMIN, ENTERPRISE_ADMIN and USER are
// assignable to execution identities; CALIBRATION_ADMIN is a governance
// role required for GA approval; SYSTEM marks kernel-initiated mutations
// (expiry sweeps, replay verdicts) in the audit log.
type Role string

const (
	RoleSuperAdmin       Role = "SUPER_ADMIN"
	RoleEnterpriseAdmin  Role = "ENTERPRISE_ADMIN"
	RoleUser             Role = "USER"
	RoleCalibrationAdmin Role = "CALIBRATION_ADMIN"
	RoleSystem           Role = "SYSTEM"
)

// ValidIdentityRole reports whether r may be assigned to an execution
// identity. Governance and kernel roles are not assignable.
func ValidIdentityRole(r Role) bool {
	switch r {
	case RoleSuperAdmin, RoleEnterpriseAdmin, RoleUser:
		return true
	}
	return false
}

// EscalationForbidden reports whether a role change is a forbidden direct
// jump. USER and ENTERPRISE_ADMIN may never move straight to SUPER_ADMIN;
// that path requires an out-of-band service approval.
func EscalationForbidden(from, to Role) bool {
	return to == RoleSuperAdmin && (from == RoleUser || from == RoleEnterpriseAdmin)
}

// Actor identifies the principal behind an operation for audit and
// permission checks.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is the principal recorded for kernel-initiated mutations.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// CanApproveGA reports whether the actor may grant final go-live approval.
func (a Actor) CanApproveGA() bool {
	return a.Role == RoleCalibrationAdmin
}

// IsSystem reports whether the actor is the kernel itself.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}
