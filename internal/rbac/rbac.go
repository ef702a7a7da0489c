package rbac

type Role string
type Action string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

const (
	ActionRead          Action = "read"
	ActionWrite         Action = "write"
	ActionInvite        Action = "invite"
	ActionManageMembers Action = "manage_members"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleModerator, RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// Parse reports whether role is one of the workspace roles.
func Parse(role string) (Role, bool) {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleModerator, RoleMember:
		return Role(role), true
	default:
		return "", false
	}
}

// Assignable reports whether role may be granted through a role change.
// Ownership is only ever set when a workspace is created.
func Assignable(role Role) bool {
	return role == RoleAdmin || role == RoleModerator || role == RoleMember
}

// CanChangeRole reports whether actor may change target's role. The owner's
// role never changes.
func CanChangeRole(actor, target Role) bool {
	return Can(actor, ActionManageMembers) && target != RoleOwner
}

// CanRemove reports whether actor may remove target from the workspace.
// Admins cannot remove other admins.
func CanRemove(actor, target Role) bool {
	if !Can(actor, ActionManageMembers) || target == RoleOwner {
		return false
	}
	if actor == RoleAdmin && target == RoleAdmin {
		return false
	}
	return true
}
