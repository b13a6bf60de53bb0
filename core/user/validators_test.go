package user_test

import (
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/user"
	inmemdb "github.com/trezcool/daftari/storage/database/inmem"
	testutil "github.com/trezcool/daftari/tests"
)

func newValidator(t *testing.T) *validator.Validate {
	t.Helper()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

func failedTags(err error) map[string]bool {
	tags := make(map[string]bool)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return tags
	}
	for _, fe := range verrs {
		tags[fe.Tag()] = true
	}
	return tags
}

func TestNewUser_Validate(t *testing.T) {
	validate := newValidator(t)

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	svc := user.NewService(inmemdb.NewUserRepository(db))

	newUser := func(mutate func(nu *user.NewUser)) user.NewUser {
		nu := user.NewUser{
			Name:            "Kim Kat",
			Username:        "kimkat",
			Email:           "kim@test.cd",
			Password:        "xK3;o0o-_ux",
			PasswordConfirm: "xK3;o0o-_ux",
			Roles:           []string{user.RoleStudent},
		}
		if mutate != nil {
			mutate(&nu)
		}
		return nu
	}

	tests := []struct {
		name     string
		mutate   func(nu *user.NewUser)
		wantTags []string
	}{
		{name: "valid"},
		{name: "missing name", mutate: func(nu *user.NewUser) { nu.Name = " " }, wantTags: []string{"required"}},
		{name: "short username", mutate: func(nu *user.NewUser) { nu.Username = "kk" }, wantTags: []string{"min"}},
		{name: "bad email", mutate: func(nu *user.NewUser) { nu.Email = "nope" }, wantTags: []string{"email"}},
		{name: "password mismatch", mutate: func(nu *user.NewUser) { nu.PasswordConfirm = "different11" }, wantTags: []string{"eqfield"}},
		{name: "short password", mutate: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "xK3;o0", "xK3;o0" }, wantTags: []string{"pwdminlen"}},
		{name: "password with whitespace", mutate: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "has a space1", "has a space1" }, wantTags: []string{"pwdnospace"}},
		{name: "all-numeric password", mutate: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "8029381046", "8029381046" }, wantTags: []string{"pwdnotallnum"}},
		{name: "password too similar to username", mutate: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "kimkat00", "kimkat00" }, wantTags: []string{"pwdtoosim"}},
		{name: "unknown role", mutate: func(nu *user.NewUser) { nu.Roles = []string{"superadmin:"} }, wantTags: []string{"allroles"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nu := newUser(tt.mutate)
			err := nu.Validate(validate, svc)
			if len(tt.wantTags) == 0 {
				if err != nil {
					t.Fatalf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected an error")
			}
			tags := failedTags(err)
			for _, tag := range tt.wantTags {
				if !tags[tag] {
					t.Errorf("missing tag %q in %v", tag, tags)
				}
			}
		})
	}

	t.Run("taken username", func(t *testing.T) {
		testutil.CreateUser(t, inmemdb.NewUserRepository(db), "Taken", "takenname", "taken@test.cd", "", nil, true)

		nu := newUser(func(nu *user.NewUser) { nu.Username, nu.Email = "takenname", "fresh@test.cd" })
		err := nu.Validate(validate, svc)
		vErr, ok := err.(*core.ValidationError)
		if !ok {
			t.Fatalf("Validate() error = %v, want a validation error", err)
		}
		if len(vErr.Fields) != 1 || vErr.Fields[0].Field != "username" {
			t.Errorf("Fields = %v, want a username error", vErr.Fields)
		}
	})
}

func TestUpdateUser_Validate(t *testing.T) {
	validate := newValidator(t)

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	repo := inmemdb.NewUserRepository(db)
	svc := user.NewService(repo)

	orig := testutil.CreateUser(t, repo, "Orig User", "origuser", "orig@test.cd", "", nil, true)

	t.Run("empty fields fall back to the original user", func(t *testing.T) {
		uu := user.UpdateUser{}
		if err := uu.Validate(validate, orig, svc); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
		if uu.Name != orig.Name || uu.Username != orig.Username || uu.Email != orig.Email {
			t.Errorf("fallbacks not applied: %+v", uu)
		}
	})

	t.Run("password is optional but still checked when set", func(t *testing.T) {
		uu := user.UpdateUser{Password: "origuser1", PasswordConfirm: "origuser1"}
		err := uu.Validate(validate, orig, svc)
		if err == nil {
			t.Fatal("Validate() expected an error")
		}
		if tags := failedTags(err); !tags["pwdtoosim"] {
			t.Errorf("missing tag pwdtoosim in %v", tags)
		}
	})

	t.Run("own username is not a clash", func(t *testing.T) {
		uu := user.UpdateUser{Username: "origuser"}
		if err := uu.Validate(validate, orig, svc); err != nil {
			t.Fatalf("Validate() failed: %v", err)
		}
	})
}
