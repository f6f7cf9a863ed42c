package authz

import (
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

// Role is one of the fixed registry roles, held on an organization OID.
type Role string

const (
	RoleMainUser          Role = "MAIN-USER"
	RoleViewer            Role = "VIEWER"
	RoleRecorder          Role = "RECORDER"
	RoleService           Role = "SERVICE"
	RoleFeeRecorder       Role = "FEE-RECORDER"
	RoleFeeViewer         Role = "FEE-VIEWER"
	RoleEmployeeRecorder  Role = "EMPLOYEE-RECORDER"
	RoleEmployeeViewer    Role = "EMPLOYEE-VIEWER"
	RoleSupervisoryViewer Role = "SUPERVISORY-VIEWER"
	// RoleCrossTenantViewer is only meaningful on the root organization. It unlocks the
	// super-viewer export mode and is audited.
	RoleCrossTenantViewer Role = "CROSS-TENANT-VIEWER"
)

// Verb is an operation on an object.
type Verb string

const (
	VerbView   Verb = "view"
	VerbChange Verb = "change"
	VerbDelete Verb = "delete"
)

func (v Verb) Valid() bool {
	switch v {
	case VerbView, VerbChange, VerbDelete:
		return true
	}
	return false
}

// Category groups object kinds that share role qualification.
type Category string

const (
	CategoryOrganization Category = "organization"
	CategoryVaka         Category = "vaka"
	CategoryFee          Category = "fee"
	CategoryEmployee     Category = "employee"
)

var kindCategory = map[temporal.Kind]Category{
	temporal.KindOrganization:       CategoryOrganization,
	temporal.KindSite:               CategoryOrganization,
	temporal.KindLinguisticEmphasis: CategoryOrganization,
	temporal.KindFunctionalEmphasis: CategoryOrganization,
	temporal.KindChild:              CategoryVaka,
	temporal.KindDecision:           CategoryVaka,
	temporal.KindAssignment:         CategoryVaka,
	temporal.KindFee:                CategoryFee,
	temporal.KindEmployee:           CategoryEmployee,
	temporal.KindEmployment:         CategoryEmployee,
	temporal.KindWorkLocation:       CategoryEmployee,
	temporal.KindExtendedAbsence:    CategoryEmployee,
}

// CategoryOf returns the category of an object kind and whether the kind is filterable.
func CategoryOf(kind temporal.Kind) (Category, bool) {
	c, ok := kindCategory[kind]
	return c, ok
}

var (
	readRoles = map[Category][]Role{
		CategoryOrganization: {
			RoleMainUser, RoleViewer, RoleRecorder, RoleService, RoleFeeRecorder, RoleFeeViewer,
			RoleEmployeeRecorder, RoleEmployeeViewer, RoleSupervisoryViewer, RoleCrossTenantViewer,
		},
		CategoryVaka:     {RoleMainUser, RoleViewer, RoleRecorder, RoleService, RoleSupervisoryViewer, RoleCrossTenantViewer},
		CategoryFee:      {RoleMainUser, RoleService, RoleFeeRecorder, RoleFeeViewer},
		CategoryEmployee: {RoleMainUser, RoleService, RoleEmployeeRecorder, RoleEmployeeViewer, RoleSupervisoryViewer},
	}
	writeRoles = map[Category][]Role{
		CategoryOrganization: {RoleMainUser, RoleService},
		CategoryVaka:         {RoleMainUser, RoleRecorder, RoleService},
		CategoryFee:          {RoleMainUser, RoleService, RoleFeeRecorder},
		CategoryEmployee:     {RoleMainUser, RoleService, RoleEmployeeRecorder},
	}
)

// Qualifies reports whether role grants verb on objects of the category.
func Qualifies(role Role, category Category, verb Verb) bool {
	roles := readRoles[category]
	if verb != VerbView {
		roles = writeRoles[category]
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleGrant is one principal_role row.
type RoleGrant struct {
	Role            Role
	OrganizationOID string
}

// Principal is an authenticated caller and its role grants.
type Principal struct {
	ID    string
	Roles []RoleGrant
}

// HasRole reports whether the principal holds role on any organization.
func (p Principal) HasRole(roles ...Role) bool {
	for _, g := range p.Roles {
		for _, r := range roles {
			if g.Role == r {
				return true
			}
		}
	}
	return false
}

// HasRoleOn reports whether the principal holds one of roles on the organization.
func (p Principal) HasRoleOn(oid string, roles ...Role) bool {
	for _, g := range p.Roles {
		if g.OrganizationOID != oid {
			continue
		}
		for _, r := range roles {
			if g.Role == r {
				return true
			}
		}
	}
	return false
}

// OrganizationsFor returns the distinct organization OIDs on which the principal holds a role
// qualifying for verb on the category.
func (p Principal) OrganizationsFor(category Category, verb Verb) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, g := range p.Roles {
		if !Qualifies(g.Role, category, verb) {
			continue
		}
		if _, ok := seen[g.OrganizationOID]; ok {
			continue
		}
		seen[g.OrganizationOID] = struct{}{}
		out = append(out, g.OrganizationOID)
	}
	return out
}

// Scope is the set of organizations a principal reaches for one (category, verb).
type Scope struct {
	// All is set when a qualifying role is held on the root organization.
	All  bool
	OIDs []string
}

func (s Scope) Empty() bool {
	return !s.All && len(s.OIDs) == 0
}

// ScopeFor resolves the scope of the principal for (category, verb). Roles on rootOID widen the
// scope to every object of the category.
func (p Principal) ScopeFor(category Category, verb Verb, rootOID string) Scope {
	oids := p.OrganizationsFor(category, verb)
	for _, oid := range oids {
		if oid == rootOID {
			return Scope{All: true}
		}
	}
	return Scope{OIDs: oids}
}
