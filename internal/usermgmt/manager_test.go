package usermgmt

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunUserManagementCLI(t *testing.T) {
	db := openTestDir(t, "")
	backup := filepath.Join(t.TempDir(), "backup.json")

	script := strings.Join([]string{
		"add-user",
		"alice",
		"secret",
		"",
		"2",
		"add-user",
		"bob",
		"pw",
		"2030-12-31",
		"",
		"disable-user bob",
		"change-password",
		"alice",
		"newpass",
		"newpass",
		"set-default-max 5",
		"remove-user nobody",
		"backup-users " + backup,
		"list-users",
		"bogus",
		"quit",
	}, "\n") + "\n"

	var out bytes.Buffer
	NewManagerIO(db, strings.NewReader(script), &out).RunUserManagementCLI()
	output := out.String()

	for _, want := range []string{
		"User added successfully!",
		"User 'bob' disabled successfully!",
		"Password changed successfully!",
		"Default max connections set to 5",
		"Error removing user",
		"backed up to",
		"Unknown command: bogus",
		"Goodbye!",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}

	alice, err := db.GetUser("alice")
	if err != nil {
		t.Fatalf("GetUser(alice) error = %v", err)
	}
	if alice.Password != "newpass" || alice.MaxConnections != 2 {
		t.Errorf("alice = %+v", alice)
	}
	bob, err := db.GetUser("bob")
	if err != nil {
		t.Fatalf("GetUser(bob) error = %v", err)
	}
	if bob.Active || bob.Expires != "2030-12-31" {
		t.Errorf("bob = %+v", bob)
	}
	if got := db.DefaultMaxConnections(); got != 5 {
		t.Errorf("DefaultMaxConnections() = %d, want 5", got)
	}

	// list-users prints the effective limit for bob from the new default.
	if !strings.Contains(output, "Disabled") {
		t.Errorf("list output missing disabled status\n%s", output)
	}
}

func TestRunUserManagementCLIStopsAtEOF(t *testing.T) {
	db := openTestDir(t, "")
	var out bytes.Buffer
	NewManagerIO(db, strings.NewReader("help"), &out).RunUserManagementCLI()
	if !strings.Contains(out.String(), "User Management Commands:") {
		t.Errorf("help not printed for unterminated final line\n%s", out.String())
	}
}

func TestChangePasswordMismatch(t *testing.T) {
	db := openTestDir(t, fixtureStore)
	m := NewManagerIO(db, strings.NewReader("alice\none\ntwo\n"), &bytes.Buffer{})
	if err := m.ChangePasswordInteractive(); err == nil {
		t.Fatal("ChangePasswordInteractive() error = nil, want mismatch error")
	}
	alice, _ := db.GetUser("alice")
	if alice.Password != "p1" {
		t.Errorf("password changed to %q", alice.Password)
	}
}

func TestCreateDefaultUserFromEnv(t *testing.T) {
	db := openTestDir(t, "")
	m := NewManagerIO(db, strings.NewReader(""), &bytes.Buffer{})

	if err := m.CreateDefaultUserFromEnv(); err != nil {
		t.Fatalf("without env: %v", err)
	}
	if len(db.ListUsers()) != 0 {
		t.Fatal("user created without env vars")
	}

	t.Setenv("GX_TUNNEL_DEFAULT_USER", "admin")
	t.Setenv("GX_TUNNEL_DEFAULT_PASSWORD", "admin-pw")
	if err := m.CreateDefaultUserFromEnv(); err != nil {
		t.Fatalf("CreateDefaultUserFromEnv() error = %v", err)
	}
	if err := m.CreateDefaultUserFromEnv(); err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if ok, v := db.Authorize("admin", "admin-pw"); !ok {
		t.Errorf("default user not authorized: %v", v)
	}
}
