package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ovpn-console/internal/database"
)

func init() {
	bcryptCost = 4
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.EnsureDefaultGroups(context.Background()); err != nil {
		t.Fatalf("EnsureDefaultGroups: %v", err)
	}
	return store
}

func TestValidatePassword(t *testing.T) {
	cases := map[string]bool{
		"Secret12":  true,
		"short1A":   false,
		"alllower1": false,
		"ALLUPPER1": false,
		"NoDigitsX": false,
	}
	for password, ok := range cases {
		err := ValidatePassword(password)
		if ok && err != nil {
			t.Errorf("%q: unexpected error %v", password, err)
		}
		if !ok && !errors.Is(err, ErrWeakPassword) {
			t.Errorf("%q: expected ErrWeakPassword, got %v", password, err)
		}
	}
	generated, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if err := ValidatePassword(generated); err != nil {
		t.Fatalf("generated password fails policy: %v", err)
	}
}

func TestCreateAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.Create(ctx, CreateRequest{Username: "alice", Password: "Secret123", Groups: []string{"vpn_users"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if user.Role != RoleUser || !user.Active || user.AuthSource != SourceLocal {
		t.Fatalf("unexpected defaults: %+v", user)
	}
	if len(user.Groups) != 1 || user.Groups[0] != "vpn_users" {
		t.Fatalf("expected vpn_users membership, got %v", user.Groups)
	}
	if !CheckPassword(user.PasswordHash, "Secret123") {
		t.Fatal("stored hash does not verify")
	}

	if _, err := store.Create(ctx, CreateRequest{Username: "alice", Password: "Secret123"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := store.Create(ctx, CreateRequest{Username: "bob", Password: "weak"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := store.Create(ctx, CreateRequest{Username: "bob", Password: "Secret123", Role: "root"}); !errors.Is(err, ErrUserValidation) {
		t.Fatalf("expected ErrUserValidation, got %v", err)
	}
	if _, err := store.Create(ctx, CreateRequest{Username: "bob", Password: "Secret123", Groups: []string{"nope"}}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}

	byName, err := store.GetByUsername(ctx, "alice")
	if err != nil || byName.ID != user.ID {
		t.Fatalf("GetByUsername: %v %+v", err, byName)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Groups[0] != "vpn_users" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, err := store.Create(ctx, CreateRequest{Username: "carol", Password: "Secret123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	role := RoleOperator
	groups := []string{"admins", "guests"}
	updated, err := store.Update(ctx, user.ID, UpdateRequest{Role: &role, Groups: &groups})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Role != RoleOperator || len(updated.Groups) != 2 {
		t.Fatalf("unexpected update result %+v", updated)
	}

	if err := store.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAdminIsProtected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	generated, created, err := store.EnsureAdmin(ctx, "")
	if err != nil || !created || generated == "" {
		t.Fatalf("EnsureAdmin: %v created=%v generated=%q", err, created, generated)
	}
	_, created, err = store.EnsureAdmin(ctx, "")
	if err != nil || created {
		t.Fatalf("second EnsureAdmin should be a no-op: %v %v", err, created)
	}
	admin, err := store.GetByUsername(ctx, AdminUsername)
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	if !CheckPassword(admin.PasswordHash, generated) {
		t.Fatal("generated password does not verify")
	}

	inactive := false
	if _, err := store.Update(ctx, admin.ID, UpdateRequest{Active: &inactive}); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected on deactivate, got %v", err)
	}
	role := RoleUser
	if _, err := store.Update(ctx, admin.ID, UpdateRequest{Role: &role}); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected on demote, got %v", err)
	}
	if err := store.Delete(ctx, admin.ID); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected on delete, got %v", err)
	}
}

func TestLockoutAfterFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	user, err := store.Create(ctx, CreateRequest{Username: "dave", Password: "Secret123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i < MaxFailedAttempts; i++ {
		locked, err := store.RecordFailure(ctx, user.ID)
		if err != nil || locked {
			t.Fatalf("attempt %d: locked=%v err=%v", i, locked, err)
		}
	}
	locked, err := store.RecordFailure(ctx, user.ID)
	if err != nil || !locked {
		t.Fatalf("expected lock on attempt %d: locked=%v err=%v", MaxFailedAttempts, locked, err)
	}
	if isLocked, _ := store.IsLocked(ctx, "dave"); !isLocked {
		t.Fatal("expected IsLocked true")
	}

	now = now.Add(LockoutDuration + time.Second)
	if isLocked, _ := store.IsLocked(ctx, "dave"); isLocked {
		t.Fatal("expected lock to expire")
	}
	if err := store.RecordLogin(ctx, user.ID); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	fresh, _ := store.Get(ctx, user.ID)
	if fresh.FailedAttempts != 0 || fresh.LastLogin != now.Unix() {
		t.Fatalf("expected counters reset, got %+v", fresh)
	}
}

func TestSetPassword(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, _ := store.Create(ctx, CreateRequest{Username: "erin", Password: "Secret123"})

	if err := store.SetPassword(ctx, user.ID, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := store.SetPassword(ctx, user.ID, "Another456"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	fresh, _ := store.Get(ctx, user.ID)
	if !CheckPassword(fresh.PasswordHash, "Another456") {
		t.Fatal("new password does not verify")
	}
	if err := store.SetPassword(ctx, 9999, "Another456"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != len(DefaultGroups) {
		t.Fatalf("expected %d seeded groups, got %d", len(DefaultGroups), len(groups))
	}
	for _, g := range groups {
		if !g.Protected {
			t.Fatalf("seeded group %s should be protected", g.Name)
		}
		desc := "changed"
		if _, err := store.UpdateGroup(ctx, g.ID, GroupRequest{Description: &desc}); !errors.Is(err, ErrProtected) {
			t.Fatalf("expected ErrProtected updating %s, got %v", g.Name, err)
		}
		if err := store.DeleteGroup(ctx, g.ID); !errors.Is(err, ErrProtected) {
			t.Fatalf("expected ErrProtected deleting %s, got %v", g.Name, err)
		}
	}

	name, hours := "contractors", "25:00-18:00"
	if _, err := store.CreateGroup(ctx, GroupRequest{Name: &name, AccessHours: &hours}); !errors.Is(err, ErrUserValidation) {
		t.Fatalf("expected ErrUserValidation for hours, got %v", err)
	}
	hours = "08:00-18:00"
	group, err := store.CreateGroup(ctx, GroupRequest{Name: &name, AccessHours: &hours})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := store.CreateGroup(ctx, GroupRequest{Name: &name}); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}
	reserved := "admins"
	if _, err := store.UpdateGroup(ctx, group.ID, GroupRequest{Name: &reserved}); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected for reserved rename, got %v", err)
	}

	user, _ := store.Create(ctx, CreateRequest{Username: "frank", Password: "Secret123"})
	updated, err := store.SetMembers(ctx, group.ID, []int64{user.ID})
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if updated.UserCount != 1 {
		t.Fatalf("expected 1 member, got %d", updated.UserCount)
	}
	if _, err := store.SetMembers(ctx, group.ID, []int64{424242}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := store.DeleteGroup(ctx, group.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
}

func TestWithinAccessHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }
	if !WithinAccessHours("08:00-18:00", at(12, 0)) {
		t.Error("noon should be inside business hours")
	}
	if WithinAccessHours("08:00-18:00", at(19, 0)) {
		t.Error("19:00 should be outside business hours")
	}
	if !WithinAccessHours("22:00-06:00", at(23, 30)) || !WithinAccessHours("22:00-06:00", at(5, 0)) {
		t.Error("overnight window should wrap")
	}
	if WithinAccessHours("bogus", at(12, 0)) {
		t.Error("invalid window should deny")
	}
}
