package user_test

import (
	"testing"

	"github.com/trezcool/daftari/core/user"
)

func TestRolePriorities(t *testing.T) {
	if user.MaxRolePriority(nil) != 0 {
		t.Error("MaxRolePriority(nil) != 0")
	}
	if got := user.MaxRolePriority([]string{user.RoleStudent, user.RoleTeacher}); got != user.RolePriority(user.RoleTeacher) {
		t.Errorf("MaxRolePriority() = %d, want the teacher priority", got)
	}
	if user.RolePriority(user.RoleStaff) <= user.RolePriority(user.RoleTeacher) {
		t.Error("staff must outrank teacher")
	}
	if user.RolePriority(user.RoleTeacher) <= user.RolePriority(user.RoleStudent) {
		t.Error("teacher must outrank student")
	}
}

func TestUser_roles(t *testing.T) {
	usr := user.User{Roles: []string{user.RoleTeacher}}
	if usr.IsStaff() || usr.IsStudent() {
		t.Errorf("unexpected roles for %v", usr.Roles)
	}
	if !usr.IsTeacher() {
		t.Error("IsTeacher() = false")
	}

	admin := user.User{Roles: user.AllRoles}
	if !admin.IsStaff() || !admin.IsTeacher() || !admin.IsStudent() {
		t.Error("AllRoles user must have every role")
	}
}

func TestUser_password(t *testing.T) {
	var usr user.User
	if err := usr.SetPassword("s3cr3t-pass"); err != nil {
		t.Fatalf("SetPassword() failed: %v", err)
	}
	if err := usr.CheckPassword("s3cr3t-pass"); err != nil {
		t.Errorf("CheckPassword() failed: %v", err)
	}
	if err := usr.CheckPassword("wrong"); err == nil {
		t.Error("CheckPassword() passed with a wrong password")
	}
}

func TestQueryFilter(t *testing.T) {
	var qf user.QueryFilter
	if !qf.IsEmpty() {
		t.Error("IsEmpty() = false for a zero filter")
	}

	qf.Search = "  kim "
	if qf.IsEmpty() {
		t.Error("IsEmpty() = true with a search term")
	}
	qf.Clean()
	if qf.Search != "kim" {
		t.Errorf("Clean() left Search = %q", qf.Search)
	}
}
