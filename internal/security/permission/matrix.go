// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package permission

import (
	"github.com/taibuivan/portalcore/internal/platform/sec"
)

// # Resources

// Resource names a class of protected object.
type Resource string

const (
	ResourceUser         Resource = "user"
	ResourceSession      Resource = "session"
	ResourceAnnouncement Resource = "announcement"
	ResourceNotice       Resource = "notice"
	ResourceClass        Resource = "class"
	ResourceProject      Resource = "project"
	ResourceCompany      Resource = "company"
	ResourceInvitation   Resource = "invitation"
	ResourceAuditLog     Resource = "audit_log"
)

// # Actions & Levels

// Action is the verb a caller wants to perform on a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

// Level is the coarse grant stored in the matrix. Several actions share a level.
type Level uint8

const (
	LevelRead Level = 1 << iota
	LevelWrite
	LevelDelete
	LevelAdmin
)

// LevelSet is a bitmask of granted levels.
type LevelSet uint8

// Has reports whether level is part of the set.
func (set LevelSet) Has(level Level) bool {
	return level != 0 && set&LevelSet(level) != 0
}

// Levels builds a set from individual levels.
func Levels(levels ...Level) LevelSet {
	var set LevelSet
	for _, level := range levels {
		set |= LevelSet(level)
	}
	return set
}

// actionLevels is the only place an action string is given meaning.
var actionLevels = map[Action]Level{
	ActionRead:   LevelRead,
	ActionCreate: LevelWrite,
	ActionUpdate: LevelWrite,
	ActionWrite:  LevelWrite,
	ActionDelete: LevelDelete,
	ActionManage: LevelAdmin,
	ActionAdmin:  LevelAdmin,
}

// LevelOf returns the level an action requires, and false for unknown actions.
func LevelOf(action Action) (Level, bool) {
	level, ok := actionLevels[action]
	return level, ok
}

// # Matrix

// Matrix maps role -> resource -> granted levels.
//
// A missing role or resource means no access at all.
type Matrix map[sec.UserRole]map[Resource]LevelSet

// Allows reports whether the matrix grants action on resource for role.
func (matrix Matrix) Allows(role sec.UserRole, resource Resource, action Action) bool {
	level, ok := LevelOf(action)
	if !ok {
		return false
	}

	resources, ok := matrix[role]
	if !ok {
		return false
	}

	set, ok := resources[resource]
	if !ok {
		return false
	}

	return set.Has(level)
}

// DefaultMatrix returns the portal's role grants.
//
// Student and company_admin write grants are further narrowed by ownership
// refinement in the engine; the matrix only states the upper bound.
func DefaultMatrix() Matrix {
	all := Levels(LevelRead, LevelWrite, LevelDelete, LevelAdmin)
	readWrite := Levels(LevelRead, LevelWrite)
	read := Levels(LevelRead)

	return Matrix{
		sec.RoleOwner: {
			ResourceUser:         all,
			ResourceSession:      all,
			ResourceAnnouncement: all,
			ResourceNotice:       all,
			ResourceClass:        all,
			ResourceProject:      all,
			ResourceCompany:      all,
			ResourceInvitation:   all,
			ResourceAuditLog:     all,
		},
		sec.RoleSecretariat: {
			ResourceUser:         Levels(LevelRead, LevelWrite, LevelDelete, LevelAdmin),
			ResourceSession:      Levels(LevelRead, LevelDelete),
			ResourceAnnouncement: Levels(LevelRead, LevelWrite, LevelDelete),
			ResourceNotice:       Levels(LevelRead, LevelWrite, LevelDelete),
			ResourceClass:        Levels(LevelRead, LevelWrite, LevelDelete),
			ResourceProject:      Levels(LevelRead, LevelWrite, LevelDelete),
			ResourceCompany:      readWrite,
			ResourceInvitation:   readWrite,
			ResourceAuditLog:     read,
		},
		sec.RoleCompanyAdmin: {
			ResourceUser:         readWrite,
			ResourceSession:      Levels(LevelRead, LevelDelete),
			ResourceAnnouncement: read,
			ResourceNotice:       readWrite,
			ResourceClass:        read,
			ResourceProject:      readWrite,
			ResourceCompany:      readWrite,
		},
		sec.RoleStudent: {
			ResourceUser:         readWrite,
			ResourceSession:      Levels(LevelRead, LevelDelete),
			ResourceAnnouncement: read,
			ResourceNotice:       read,
			ResourceClass:        read,
			ResourceProject:      readWrite,
			ResourceCompany:      read,
		},
	}
}
