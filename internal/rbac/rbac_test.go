package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "member read", role: RoleMember, action: ActionRead, allow: true},
		{name: "member write", role: RoleMember, action: ActionWrite, allow: true},
		{name: "member invite", role: RoleMember, action: ActionInvite, allow: false},
		{name: "moderator manage", role: RoleModerator, action: ActionManageMembers, allow: false},
		{name: "admin invite", role: RoleAdmin, action: ActionInvite, allow: true},
		{name: "owner manage", role: RoleOwner, action: ActionManageMembers, allow: true},
		{name: "unknown read", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestParse(t *testing.T) {
	if role, ok := Parse("moderator"); !ok || role != RoleModerator {
		t.Fatalf("expected moderator, got %q ok=%v", role, ok)
	}
	if _, ok := Parse("superuser"); ok {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestAssignable(t *testing.T) {
	for _, role := range []Role{RoleAdmin, RoleModerator, RoleMember} {
		if !Assignable(role) {
			t.Fatalf("expected %q to be assignable", role)
		}
	}
	if Assignable(RoleOwner) {
		t.Fatal("owner must not be assignable")
	}
}

func TestCanChangeRoleAndRemove(t *testing.T) {
	cases := []struct {
		actor, target  Role
		change, remove bool
	}{
		{actor: RoleOwner, target: RoleAdmin, change: true, remove: true},
		{actor: RoleOwner, target: RoleOwner, change: false, remove: false},
		{actor: RoleAdmin, target: RoleMember, change: true, remove: true},
		{actor: RoleAdmin, target: RoleAdmin, change: true, remove: false},
		{actor: RoleAdmin, target: RoleOwner, change: false, remove: false},
		{actor: RoleModerator, target: RoleMember, change: false, remove: false},
		{actor: RoleMember, target: RoleMember, change: false, remove: false},
	}
	for _, tc := range cases {
		if got := CanChangeRole(tc.actor, tc.target); got != tc.change {
			t.Fatalf("CanChangeRole(%q, %q) = %v, want %v", tc.actor, tc.target, got, tc.change)
		}
		if got := CanRemove(tc.actor, tc.target); got != tc.remove {
			t.Fatalf("CanRemove(%q, %q) = %v, want %v", tc.actor, tc.target, got, tc.remove)
		}
	}
}
