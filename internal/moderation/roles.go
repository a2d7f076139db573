package moderation

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Permission names a staff capability.
type Permission string

const (
	PermissionReviewFlags      Permission = "review_flags"
	PermissionDeletePost       Permission = "delete_post"
	PermissionTakeAction       Permission = "take_action"
	PermissionViewFlaggedCount Permission = "view_flagged_count"
)

// AllPermissions returns every known permission.
func AllPermissions() []Permission {
	return []Permission{
		PermissionReviewFlags,
		PermissionDeletePost,
		PermissionTakeAction,
		PermissionViewFlaggedCount,
	}
}

// RoleName is the role a staff flag on the user maps onto.
type RoleName string

const (
	RoleAdmin     RoleName = "admin"
	RoleModerator RoleName = "moderator"
)

// Role is a named set of permissions.
type Role struct {
	Name        RoleName     `json:"-"` // set from the map key
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// HasPermission reports whether the role grants perm.
func (r *Role) HasPermission(perm Permission) bool {
	return slices.Contains(r.Permissions, perm)
}

// RolesFile is the JSON layout of a roles file. A role left out keeps its
// default permissions.
type RolesFile struct {
	Roles map[RoleName]*Role `json:"roles"`
}

// Validate rejects unknown roles and permissions.
func (f *RolesFile) Validate() error {
	known := AllPermissions()
	for name, role := range f.Roles {
		if name != RoleAdmin && name != RoleModerator {
			return fmt.Errorf("unknown role %q", name)
		}
		if role == nil {
			return fmt.Errorf("role %q: empty definition", name)
		}
		for _, p := range role.Permissions {
			if !slices.Contains(known, p) {
				return fmt.Errorf("role %q: unknown permission %q", name, p)
			}
		}
	}
	return nil
}

// Member is what a role is resolved from. *models.User satisfies it.
type Member interface {
	IsSystem() bool
	IsAdmin() bool
	IsStaff() bool
}

// Roles maps users onto roles by their admin and moderator flags and
// answers permission checks. The system user holds every permission.
type Roles struct {
	mu    sync.RWMutex
	path  string
	roles map[RoleName]*Role
}

func defaultRoles() map[RoleName]*Role {
	return map[RoleName]*Role{
		RoleAdmin: {
			Name:        RoleAdmin,
			Description: "Full moderation control",
			Permissions: AllPermissions(),
		},
		RoleModerator: {
			Name:        RoleModerator,
			Description: "Flag review",
			Permissions: AllPermissions(),
		},
	}
}

// DefaultRoles grants both staff roles every permission.
func DefaultRoles() *Roles {
	return &Roles{roles: defaultRoles()}
}

// NewRoles loads role overrides from the JSON file at path. An empty path
// or a missing file keeps the defaults.
func NewRoles(path string) (*Roles, error) {
	r := &Roles{path: path, roles: defaultRoles()}
	if path == "" {
		return r, nil
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	return r, nil
}

func (r *Roles) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", r.path).Msg("moderation: roles file not found, using defaults")
			return nil
		}
		return fmt.Errorf("failed to read roles file: %w", err)
	}

	var file RolesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse roles file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return fmt.Errorf("invalid roles file: %w", err)
	}

	roles := defaultRoles()
	for name, role := range file.Roles {
		role.Name = name
		roles[name] = role
	}

	r.mu.Lock()
	r.roles = roles
	r.mu.Unlock()

	log.Info().Int("roles", len(file.Roles)).Str("path", r.path).Msg("moderation: roles loaded")
	return nil
}

// Reload rereads the roles file.
func (r *Roles) Reload() error {
	if r.path == "" {
		return nil
	}
	return r.load()
}

func (r *Roles) roleOf(m Member) (*Role, bool) {
	var name RoleName
	switch {
	case m.IsAdmin():
		name = RoleAdmin
	case m.IsStaff():
		name = RoleModerator
	default:
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	return role, ok
}

// IsAdmin reports whether m holds the admin role.
func (r *Roles) IsAdmin(m Member) bool {
	role, ok := r.roleOf(m)
	return ok && role.Name == RoleAdmin
}

// IsModerator reports whether m holds any staff role, admins included.
func (r *Roles) IsModerator(m Member) bool {
	_, ok := r.roleOf(m)
	return ok
}

// HasPermission reports whether m may exercise perm.
func (r *Roles) HasPermission(m Member, perm Permission) bool {
	if m.IsSystem() {
		return true
	}
	role, ok := r.roleOf(m)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return role.HasPermission(perm)
}

// PermissionsFor returns a copy of the permissions m holds.
func (r *Roles) PermissionsFor(m Member) []Permission {
	if m.IsSystem() {
		return AllPermissions()
	}
	role, ok := r.roleOf(m)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(role.Permissions)
}
