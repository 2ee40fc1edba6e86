package database

import (
	"context"
	"testing"
)

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	defer db.Close()

	for _, table := range Tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	// Running migrate a second time must not error.
	if err := migrate(db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestOpen_ForeignKeys(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	res, err := db.Exec("INSERT INTO vpn_instances (name) VALUES ('office')")
	if err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	instanceID, _ := res.LastInsertId()

	if _, err := db.Exec("INSERT INTO vpn_clients (instance_id, name) VALUES (?, 'laptop')", instanceID); err != nil {
		t.Fatalf("insert client: %v", err)
	}

	// Deleting the instance should cascade-delete its clients.
	if _, err := db.Exec("DELETE FROM vpn_instances WHERE id=?", instanceID); err != nil {
		t.Fatalf("delete instance: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM vpn_clients WHERE instance_id=?", instanceID).Scan(&count)
	if count != 0 {
		t.Errorf("expected cascade delete, got %d orphan clients", count)
	}
}

func TestPing(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Ping(context.Background(), db); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	db.Close()
	if err := Ping(context.Background(), db); err == nil {
		t.Fatal("expected ping on a closed database to fail")
	}
	if err := Ping(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil handle")
	}
}
