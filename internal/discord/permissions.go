package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker gates playback control commands behind an optional DJ
// role.
type PermissionChecker struct {
	djRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given DJ role ID.
func NewPermissionChecker(djRoleID string) *PermissionChecker {
	return &PermissionChecker{djRoleID: djRoleID}
}

// CanControl reports whether the interaction author may control playback.
// With no DJ role configured everyone may. Interactions outside a guild
// never may.
func (p *PermissionChecker) CanControl(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.djRoleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.djRoleID)
}

// RoleID returns the configured DJ role, or "".
func (p *PermissionChecker) RoleID() string { return p.djRoleID }
