// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec

// # User Roles

// UserRole represents the authorization level granted to an account.
type UserRole string

const (
	// Portal operator. Unrestricted access across every region.
	RoleOwner UserRole = "owner"

	// Regional office staff administering members and content.
	RoleSecretariat UserRole = "secretariat"

	// Partner company administrator, scoped to their own company.
	RoleCompanyAdmin UserRole = "company_admin"

	// Default role for registered members.
	RoleStudent UserRole = "student"
)

// AllRoles lists every role from the most to the least privileged.
var AllRoles = []UserRole{RoleOwner, RoleSecretariat, RoleCompanyAdmin, RoleStudent}

// # Role Hierarchy

// AtLeast checks if the current role meets or exceeds the required target role.
func (r UserRole) AtLeast(target UserRole) bool {
	return r.Level() > 0 && r.Level() >= target.Level()
}

// Level maps a role to a numeric hierarchy level for comparison logic.
func (r UserRole) Level() int {

	// Linear scale (10-40) allows for future intermediate roles
	switch r {
	case RoleOwner:
		return 40
	case RoleSecretariat:
		return 30
	case RoleCompanyAdmin:
		return 20
	case RoleStudent:
		return 10
	default:
		return 0
	}
}

// Label returns the display name used in admin screens.
func (r UserRole) Label() string {
	switch r {
	case RoleOwner:
		return "Owner"
	case RoleSecretariat:
		return "Secretariat"
	case RoleCompanyAdmin:
		return "Company Administrator"
	case RoleStudent:
		return "Student"
	default:
		return "Unknown"
	}
}

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	return r.Level() > 0
}

// RoleStrings returns the known role keys, for validation messages.
func RoleStrings() []string {
	keys := make([]string, 0, len(AllRoles))
	for _, role := range AllRoles {
		keys = append(keys, string(role))
	}
	return keys
}
