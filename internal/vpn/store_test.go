package vpn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"ovpn-console/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "vpn.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestStoreCreateAppliesDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst, err := store.Create(ctx, UpsertRequest{Name: "office-vpn"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Port != 1194 || inst.Protocol != "udp" || inst.Subnet != "10.8.0.0/24" {
		t.Fatalf("unexpected transport defaults: %+v", inst)
	}
	if inst.Status != StatusStopped {
		t.Fatalf("expected stopped status, got %q", inst.Status)
	}
	if !inst.VerifyClient || !inst.VerifyRemoteCert || !inst.ExplicitExitNotify || inst.RenegotiateTime != 3600 {
		t.Fatalf("unexpected security defaults: %+v", inst)
	}
	if inst.TLSAuth || inst.CRLEnabled || inst.ClientToClient {
		t.Fatalf("optional toggles should default off: %+v", inst)
	}
}

func TestStoreCreateDuplicateAndInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, UpsertRequest{Name: "office-vpn"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, UpsertRequest{Name: "office-vpn"}); !errors.Is(err, ErrVPNAlreadyExists) {
		t.Fatalf("expected ErrVPNAlreadyExists, got %v", err)
	}
	if _, err := store.Create(ctx, UpsertRequest{Name: "evil;rm"}); !errors.Is(err, ErrSecurity) {
		t.Fatalf("expected ErrSecurity, got %v", err)
	}
	if _, err := store.Create(ctx, UpsertRequest{Name: "other", Port: intPtr(70000)}); !errors.Is(err, ErrVPNValidation) {
		t.Fatalf("expected ErrVPNValidation, got %v", err)
	}
}

func TestStoreUpdatePartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, UpsertRequest{Name: "office-vpn", Description: strPtr("hq")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := store.Update(ctx, "office-vpn", UpsertRequest{
		Port:       intPtr(1195),
		TLSAuth:    boolPtr(true),
		DNSServers: strPtr("8.8.8.8,1.1.1.1"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Port != 1195 || !updated.TLSAuth || updated.DNSServers != "8.8.8.8,1.1.1.1" {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Description != "hq" {
		t.Fatalf("untouched field changed: %q", updated.Description)
	}
	if _, err := store.Update(ctx, "office-vpn", UpsertRequest{Name: "renamed"}); !errors.Is(err, ErrVPNValidation) {
		t.Fatalf("expected rename rejection, got %v", err)
	}
	if _, err := store.Update(ctx, "missing", UpsertRequest{}); !errors.Is(err, ErrVPNNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreStatusAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, UpsertRequest{Name: "office-vpn"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.SetStatus(ctx, "office-vpn", StatusRunning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := store.SetActiveClients(ctx, "office-vpn", 3); err != nil {
		t.Fatalf("SetActiveClients: %v", err)
	}
	if err := store.MarkConfigGenerated(ctx, "office-vpn"); err != nil {
		t.Fatalf("MarkConfigGenerated: %v", err)
	}
	inst, err := store.Get(ctx, "office-vpn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.Status != StatusRunning || inst.ActiveClients != 3 || inst.StatusCheckedAt == 0 || inst.ConfigGeneratedAt == 0 {
		t.Fatalf("unexpected state: %+v", inst)
	}
	if err := store.SetStatus(ctx, "office-vpn", Status("exploded")); !errors.Is(err, ErrVPNValidation) {
		t.Fatalf("expected invalid status error, got %v", err)
	}

	if err := store.Delete(ctx, "office-vpn"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "office-vpn"); !errors.Is(err, ErrVPNNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	names, err := store.Names(ctx)
	if err != nil || len(names) != 0 {
		t.Fatalf("expected no names, got %v (%v)", names, err)
	}
}

func TestStoreClientsLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, UpsertRequest{Name: "office-vpn"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.CreateClient(ctx, "office-vpn", CreateClientRequest{Name: "laptop"}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := store.CreateClient(ctx, "office-vpn", CreateClientRequest{Name: "phone"}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := store.CreateClient(ctx, "office-vpn", CreateClientRequest{Name: "laptop"}); !errors.Is(err, ErrClientExists) {
		t.Fatalf("expected ErrClientExists, got %v", err)
	}
	if _, err := store.CreateClient(ctx, "office-vpn", CreateClientRequest{Name: "../x"}); !errors.Is(err, ErrSecurity) {
		t.Fatalf("expected ErrSecurity, got %v", err)
	}

	revoked, err := store.RevokeClient(ctx, "office-vpn", "phone")
	if err != nil {
		t.Fatalf("RevokeClient: %v", err)
	}
	if !revoked.Revoked() || revoked.Active {
		t.Fatalf("expected revoked client, got %+v", revoked)
	}

	active, err := store.ListClients(ctx, "office-vpn", false)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(active) != 1 || active[0].Name != "laptop" {
		t.Fatalf("revoked client should be excluded: %+v", active)
	}
	all, err := store.ListClients(ctx, "office-vpn", true)
	if err != nil {
		t.Fatalf("ListClients all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both clients, got %d", len(all))
	}
	if _, err := store.GetClient(ctx, "office-vpn", "tablet"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
}
