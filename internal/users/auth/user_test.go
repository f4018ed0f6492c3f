// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/users/auth"
)

/*
TestNormalizeRegions checks home-first ordering, de-duplication and the owner wildcard.
*/
func TestNormalizeRegions(t *testing.T) {
	tests := []struct {
		name    string
		role    sec.UserRole
		home    string
		regions []string
		want    []string
	}{
		{"owner always wildcard", sec.RoleOwner, "FUK", []string{"TYO"}, []string{"ALL"}},
		{"home only", sec.RoleStudent, "FUK", nil, []string{"FUK"}},
		{"home first and deduplicated", sec.RoleSecretariat, "FUK", []string{"tyo", "FUK", " TYO ", ""}, []string{"FUK", "TYO"}},
		{"no home", sec.RoleCompanyAdmin, "", []string{"osa"}, []string{"OSA"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.NormalizeRegions(tt.role, tt.home, tt.regions))
		})
	}
}

/*
TestNormalizeEmail verifies case folding and trimming.
*/
func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane.doe@example.com", auth.NormalizeEmail("  Jane.Doe@EXAMPLE.com\t"))
}

/*
TestUser_Principal projects account fields onto the permission identity.
*/
func TestUser_Principal(t *testing.T) {
	company := "acme"
	user := &auth.User{
		ID:           "u-1",
		Role:         sec.RoleCompanyAdmin,
		HomeRegionID: "FUK",
		Regions:      []string{"TYO"},
		CompanyID:    &company,
	}

	principal := user.Principal()

	assert.Equal(t, "u-1", principal.ID)
	assert.Equal(t, sec.RoleCompanyAdmin, principal.Role)
	assert.Equal(t, []string{"FUK", "TYO"}, principal.Regions)
	assert.Equal(t, "acme", principal.CompanyID)
}
