package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleRead))
	assert.True(t, ValidRole(RoleWrite))
	assert.True(t, ValidRole(RoleAdmin))
	assert.False(t, ValidRole(Role("owner")))
	assert.False(t, ValidRole(Role("")))
}

func TestExpand(t *testing.T) {
	assert.Equal(t, []Role{RoleRead}, Expand(RoleRead))
	assert.Equal(t, []Role{RoleRead, RoleWrite}, Expand(RoleWrite))
	assert.Equal(t, []Role{RoleRead, RoleWrite, RoleAdmin}, Expand(RoleAdmin))
	assert.Nil(t, Expand(Role("owner")))
}

func TestIncludes(t *testing.T) {
	roles := Expand(RoleWrite)
	assert.True(t, Includes(roles, RoleRead))
	assert.True(t, Includes(roles, RoleWrite))
	assert.False(t, Includes(roles, RoleAdmin))
	assert.False(t, Includes(nil, RoleRead))
}

func TestHighest(t *testing.T) {
	assert.Equal(t, RoleAdmin, Highest([]Role{RoleRead, RoleAdmin, RoleWrite}))
	assert.Equal(t, RoleWrite, Highest([]Role{RoleRead, RoleWrite}))
	assert.Equal(t, RoleRead, Highest([]Role{RoleRead}))
	assert.Equal(t, Role(""), Highest(nil))
}
